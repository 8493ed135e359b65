package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

const DefaultReservationTTL = 30 * time.Minute

// sweeperActor is recorded as RolledBackBy on reservations the sweeper expires.
const sweeperActor = "system:sweeper"

// ReservationService owns the reserve → commit / rollback / expire protocol.
// Every transition runs under the item row lock and is written conditionally
// on the reservation still being active, so exactly one of commit, rollback
// and expiry can win.
type ReservationService struct {
	deps       Deps
	defaultTTL time.Duration
}

func NewReservationService(deps Deps, defaultTTL time.Duration) *ReservationService {
	if defaultTTL <= 0 {
		defaultTTL = DefaultReservationTTL
	}
	return &ReservationService{deps: deps.withDefaults(), defaultTTL: defaultTTL}
}

type ReserveRequest struct {
	ItemID      string
	Quantity    int
	Type        domain.ReservationType
	Reference   string
	TTL         time.Duration // zero means the service default
	FacilityID  string
	LocationID  string // empty picks the facility location with the most available stock
	BatchNumber string // optional; pins the reservation to one lot
	ReservedBy  string
}

type ReserveResult struct {
	ReservationID string
	LocationID    string
	ExpiresAt     time.Time
}

type CommitRequest struct {
	ReservationID  string
	ActualQuantity int // zero commits the full reserved quantity
	PerformedBy    string
	FacilityID     string
}

type CommitResult struct {
	QuantityCommitted int
	QuantityReleased  int
}

type RollbackRequest struct {
	ReservationID string
	Reason        string
	PerformedBy   string
	FacilityID    string
}

type RollbackResult struct {
	QuantityReleased int
}

func (s *ReservationService) Reserve(ctx context.Context, req ReserveRequest) (res *ReserveResult, err error) {
	ctx, span := s.deps.startSpan(ctx, "ReservationService.Reserve",
		attribute.String("item.id", req.ItemID),
		attribute.Int("reservation.quantity", req.Quantity))
	defer func() { endSpan(span, err) }()
	defer s.deps.Metrics.observe("reserve", time.Now())
	defer func() { s.deps.Metrics.Reservations.WithLabelValues(outcome(err)).Inc() }()

	if err := requireID("item id", req.ItemID); err != nil {
		return nil, err
	}
	if err := requireID("facility id", req.FacilityID); err != nil {
		return nil, err
	}
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return nil, err
	}

	locationID := req.LocationID
	if locationID == "" {
		locationID, err = s.resolveLocation(ctx, req.ItemID, req.FacilityID)
		if err != nil {
			return nil, err
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	reservationType := req.Type
	if reservationType == "" {
		reservationType = domain.ReservationTypeDispense
	}

	var events []domain.Event
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		item, err := tx.LockItem(ctx, req.ItemID, locationID)
		if err != nil {
			return fmt.Errorf("lock item: %w", err)
		}
		if item.FacilityID != req.FacilityID {
			return fmt.Errorf("%w: item %s has no stock row at %s in facility %s",
				domain.ErrNotFound, req.ItemID, locationID, req.FacilityID)
		}
		if item.Status != domain.ItemStatusActive {
			return fmt.Errorf("%w: item %s at %s is %s", domain.ErrConflict, item.ItemID, item.LocationID, item.Status)
		}

		now := s.deps.Now()
		if err := item.Reserve(req.Quantity, now); err != nil {
			return err
		}

		if req.BatchNumber != "" {
			batches, err := tx.LockBatches(ctx, item.ItemID, item.LocationID)
			if err != nil {
				return fmt.Errorf("lock batches: %w", err)
			}
			batch := findBatch(batches, req.BatchNumber)
			if batch == nil {
				return fmt.Errorf("%w: batch %s of item %s at %s",
					domain.ErrNotFound, req.BatchNumber, item.ItemID, item.LocationID)
			}
			if err := batch.Reserve(req.Quantity, now); err != nil {
				return err
			}
			if err := tx.UpdateBatch(ctx, *batch); err != nil {
				return fmt.Errorf("update batch: %w", err)
			}
		}

		if err := tx.UpdateItem(ctx, *item); err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		reservation := domain.StockReservation{
			ReservationID:   uuid.NewString(),
			ItemID:          item.ItemID,
			LocationID:      item.LocationID,
			FacilityID:      item.FacilityID,
			BatchNumber:     req.BatchNumber,
			Quantity:        req.Quantity,
			ReservationType: reservationType,
			Reference:       req.Reference,
			Status:          domain.ReservationStatusActive,
			ReservedAt:      now,
			ExpiresAt:       now.Add(ttl),
			ReservedBy:      req.ReservedBy,
		}
		if err := tx.InsertReservation(ctx, reservation); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		events = append(events, newEvent(domain.EventReserved, reservation.ReservationID, item, now, reservationData(reservation)))
		events = appendLowStock(events, item, now)
		res = &ReserveResult{
			ReservationID: reservation.ReservationID,
			LocationID:    reservation.LocationID,
			ExpiresAt:     reservation.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deps.Logger.Info("stock reserved",
		zap.String("reservation_id", res.ReservationID),
		zap.String("item_id", req.ItemID),
		zap.String("location_id", res.LocationID),
		zap.Int("quantity", req.Quantity),
		zap.String("reference", req.Reference))
	s.deps.publish(ctx, events)
	return res, nil
}

func (s *ReservationService) Commit(ctx context.Context, req CommitRequest) (res *CommitResult, err error) {
	ctx, span := s.deps.startSpan(ctx, "ReservationService.Commit",
		attribute.String("reservation.id", req.ReservationID))
	defer func() { endSpan(span, err) }()
	defer s.deps.Metrics.observe("commit", time.Now())

	if err := requireID("reservation id", req.ReservationID); err != nil {
		return nil, err
	}
	if req.ActualQuantity < 0 {
		return nil, fmt.Errorf("%w: actual quantity %d", domain.ErrInvalidArgument, req.ActualQuantity)
	}

	current, err := s.find(ctx, req.ReservationID, req.FacilityID)
	if err != nil {
		return nil, err
	}

	var events []domain.Event
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		item, err := tx.LockItem(ctx, current.ItemID, current.LocationID)
		if err != nil {
			return fmt.Errorf("lock item: %w", err)
		}
		batches, err := tx.LockBatches(ctx, current.ItemID, current.LocationID)
		if err != nil {
			return fmt.Errorf("lock batches: %w", err)
		}
		reservation, err := tx.LockReservation(ctx, current.ReservationID)
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}

		now := s.deps.Now()
		switch {
		case reservation.Status == domain.ReservationStatusExpired:
			return fmt.Errorf("%w: reservation %s expired at %s",
				domain.ErrReservationExpired, reservation.ReservationID, reservation.ExpiresAt.Format(time.RFC3339))
		case reservation.Status != domain.ReservationStatusActive:
			return fmt.Errorf("%w: reservation %s is %s", domain.ErrConflict, reservation.ReservationID, reservation.Status)
		case reservation.IsExpired(now):
			return fmt.Errorf("%w: reservation %s expired at %s",
				domain.ErrReservationExpired, reservation.ReservationID, reservation.ExpiresAt.Format(time.RFC3339))
		}

		actual := req.ActualQuantity
		if actual == 0 {
			actual = reservation.Quantity
		}
		if actual > reservation.Quantity {
			return fmt.Errorf("%w: actual quantity %d exceeds reserved %d",
				domain.ErrConflict, actual, reservation.Quantity)
		}

		before := item.QuantityOnHand
		if err := item.Dispense(actual, reservation.Quantity, now); err != nil {
			return err
		}
		plan, err := s.drawBatches(ctx, tx, batches, reservation, actual, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateItem(ctx, *item); err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		if err := reservation.Commit(actual, req.PerformedBy, now); err != nil {
			return err
		}
		ok, err := tx.TransitionReservation(ctx, *reservation)
		if err != nil {
			return fmt.Errorf("transition reservation: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: reservation %s was resolved concurrently", domain.ErrConflict, reservation.ReservationID)
		}

		movement := movementFor(item, domain.MovementDispensing, before, now)
		movement.Reference = reservationReference(reservation)
		movement.PerformedBy = req.PerformedBy
		movement.FromLocation = item.LocationID
		movement.BatchNumber, movement.Reason = describeDraw(reservation, plan)
		if err := tx.AppendMovement(ctx, movement); err != nil {
			return fmt.Errorf("append movement: %w", err)
		}

		res = &CommitResult{QuantityCommitted: actual, QuantityReleased: reservation.Quantity - actual}
		events = append(events, newEvent(domain.EventCommitted, reservation.ReservationID, item, now, map[string]any{
			"reservation_id":     reservation.ReservationID,
			"reference":          reservation.Reference,
			"quantity_committed": res.QuantityCommitted,
			"quantity_released":  res.QuantityReleased,
			"movement_id":        movement.MovementID,
		}))
		events = appendLowStock(events, item, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.Resolutions.WithLabelValues(string(domain.ReservationStatusCommitted)).Inc()
	s.deps.Metrics.movement(domain.MovementDispensing)
	s.deps.Logger.Info("reservation committed",
		zap.String("reservation_id", req.ReservationID),
		zap.Int("quantity_committed", res.QuantityCommitted),
		zap.Int("quantity_released", res.QuantityReleased))
	s.deps.publish(ctx, events)
	return res, nil
}

func (s *ReservationService) Rollback(ctx context.Context, req RollbackRequest) (res *RollbackResult, err error) {
	ctx, span := s.deps.startSpan(ctx, "ReservationService.Rollback",
		attribute.String("reservation.id", req.ReservationID))
	defer func() { endSpan(span, err) }()
	defer s.deps.Metrics.observe("rollback", time.Now())

	if err := requireID("reservation id", req.ReservationID); err != nil {
		return nil, err
	}

	released, err := s.release(ctx, req.ReservationID, req.FacilityID, domain.ReservationStatusRolledBack,
		func(r *domain.StockReservation, now time.Time) error {
			return r.RollBack(req.Reason, req.PerformedBy, now)
		})
	if err != nil {
		return nil, err
	}

	s.deps.Logger.Info("reservation rolled back",
		zap.String("reservation_id", req.ReservationID),
		zap.Int("quantity_released", released),
		zap.String("reason", req.Reason))
	return &RollbackResult{QuantityReleased: released}, nil
}

// Expire releases an active reservation whose TTL has passed and marks it
// expired. It returns domain.ErrConflict when the reservation was already
// resolved or has not expired yet.
func (s *ReservationService) Expire(ctx context.Context, reservationID string) (released int, err error) {
	ctx, span := s.deps.startSpan(ctx, "ReservationService.Expire",
		attribute.String("reservation.id", reservationID))
	defer func() { endSpan(span, err) }()

	released, err = s.release(ctx, reservationID, "", domain.ReservationStatusExpired,
		func(r *domain.StockReservation, now time.Time) error {
			if !r.IsExpired(now) {
				return fmt.Errorf("%w: reservation %s does not expire until %s",
					domain.ErrConflict, r.ReservationID, r.ExpiresAt.Format(time.RFC3339))
			}
			return r.Expire(sweeperActor, now)
		})
	if err != nil {
		return 0, err
	}

	s.deps.Logger.Info("reservation expired",
		zap.String("reservation_id", reservationID),
		zap.Int("quantity_released", released))
	return released, nil
}

func (s *ReservationService) Get(ctx context.Context, reservationID string) (*domain.StockReservation, error) {
	if err := requireID("reservation id", reservationID); err != nil {
		return nil, err
	}
	return s.find(ctx, reservationID, "")
}

// release is the shared rollback/expiry path: it returns the reserved
// quantity to available stock and applies the terminal transition.
func (s *ReservationService) release(
	ctx context.Context,
	reservationID, facilityID string,
	status domain.ReservationStatus,
	transition func(r *domain.StockReservation, now time.Time) error,
) (int, error) {
	current, err := s.find(ctx, reservationID, facilityID)
	if err != nil {
		return 0, err
	}

	var (
		released int
		events   []domain.Event
	)
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		item, err := tx.LockItem(ctx, current.ItemID, current.LocationID)
		if err != nil {
			return fmt.Errorf("lock item: %w", err)
		}
		var batches []domain.StockBatch
		if current.BatchNumber != "" {
			if batches, err = tx.LockBatches(ctx, current.ItemID, current.LocationID); err != nil {
				return fmt.Errorf("lock batches: %w", err)
			}
		}
		reservation, err := tx.LockReservation(ctx, current.ReservationID)
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}

		now := s.deps.Now()
		if err := transition(reservation, now); err != nil {
			return err
		}
		if err := item.Release(reservation.Quantity, now); err != nil {
			return err
		}
		if reservation.BatchNumber != "" {
			if batch := findBatch(batches, reservation.BatchNumber); batch != nil {
				if err := batch.Release(reservation.Quantity, now); err != nil {
					return err
				}
				if err := tx.UpdateBatch(ctx, *batch); err != nil {
					return fmt.Errorf("update batch: %w", err)
				}
			}
		}
		if err := tx.UpdateItem(ctx, *item); err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		ok, err := tx.TransitionReservation(ctx, *reservation)
		if err != nil {
			return fmt.Errorf("transition reservation: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: reservation %s was resolved concurrently", domain.ErrConflict, reservation.ReservationID)
		}

		released = reservation.Quantity
		eventType := domain.EventRolledBack
		if status == domain.ReservationStatusExpired {
			eventType = domain.EventExpired
		}
		events = append(events, newEvent(eventType, reservation.ReservationID, item, now, map[string]any{
			"reservation_id":    reservation.ReservationID,
			"reference":         reservation.Reference,
			"quantity_released": released,
			"reason":            reservation.RollbackReason,
		}))
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.deps.Metrics.Resolutions.WithLabelValues(string(status)).Inc()
	s.deps.publish(ctx, events)
	return released, nil
}

// drawBatches takes the dispensed units out of lot records: a pinned batch
// when the reservation names one, FEFO otherwise. Units no batch covers are
// dispensed from the item row alone.
func (s *ReservationService) drawBatches(
	ctx context.Context,
	tx port.Tx,
	batches []domain.StockBatch,
	reservation *domain.StockReservation,
	actual int,
	now time.Time,
) ([]domain.Allocation, error) {
	if reservation.BatchNumber != "" {
		batch := findBatch(batches, reservation.BatchNumber)
		if batch == nil {
			return nil, fmt.Errorf("%w: reserved batch %s no longer exists", domain.ErrConflict, reservation.BatchNumber)
		}
		if !batch.Dispensable(now) {
			return nil, fmt.Errorf("%w: reserved batch %s is no longer dispensable (status %s, expiry %s)",
				domain.ErrConflict, batch.BatchNumber, batch.Status, batch.ExpiryDate.Format(time.DateOnly))
		}
		if err := batch.Dispense(actual, reservation.Quantity, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateBatch(ctx, *batch); err != nil {
			return nil, fmt.Errorf("update batch: %w", err)
		}
		return []domain.Allocation{{BatchID: batch.BatchID, BatchNumber: batch.BatchNumber, Quantity: actual}}, nil
	}

	plan, uncovered := domain.AllocateFEFO(batches, actual, now)
	for _, a := range plan {
		batch := findBatchByID(batches, a.BatchID)
		if err := batch.Dispense(a.Quantity, 0, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateBatch(ctx, *batch); err != nil {
			return nil, fmt.Errorf("update batch: %w", err)
		}
	}
	if uncovered > 0 {
		s.deps.Logger.Debug("dispense not covered by batches",
			zap.String("reservation_id", reservation.ReservationID),
			zap.Int("uncovered", uncovered))
	}
	return plan, nil
}

// find loads a reservation without locking it, to learn which item row to lock.
func (s *ReservationService) find(ctx context.Context, reservationID, facilityID string) (*domain.StockReservation, error) {
	reservation, err := s.deps.Store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if facilityID != "" && reservation.FacilityID != facilityID {
		return nil, fmt.Errorf("%w: reservation %s in facility %s", domain.ErrNotFound, reservationID, facilityID)
	}
	return reservation, nil
}

// resolveLocation picks the facility row with the most available stock. The
// choice is advisory; Reserve re-checks availability under the row lock.
func (s *ReservationService) resolveLocation(ctx context.Context, itemID, facilityID string) (string, error) {
	rows, err := s.deps.Store.ListItemLocations(ctx, itemID, facilityID)
	if err != nil {
		return "", fmt.Errorf("list item locations: %w", err)
	}

	var best *domain.InventoryItem
	for i := range rows {
		row := &rows[i]
		if row.Status != domain.ItemStatusActive {
			continue
		}
		if best == nil || row.Available() > best.Available() ||
			(row.Available() == best.Available() && row.LocationID < best.LocationID) {
			best = row
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: item %s has no active stock row in facility %s", domain.ErrNotFound, itemID, facilityID)
	}
	return best.LocationID, nil
}

func reservationData(r domain.StockReservation) map[string]any {
	return map[string]any{
		"reservation_id":   r.ReservationID,
		"reservation_type": r.ReservationType,
		"reference":        r.Reference,
		"quantity":         r.Quantity,
		"batch_number":     r.BatchNumber,
		"expires_at":       r.ExpiresAt,
	}
}

func reservationReference(r *domain.StockReservation) string {
	if r.Reference != "" {
		return r.Reference
	}
	return r.ReservationID
}

func describeDraw(r *domain.StockReservation, plan []domain.Allocation) (batchNumber, reason string) {
	reason = fmt.Sprintf("reservation %s committed", r.ReservationID)
	switch {
	case r.BatchNumber != "":
		return r.BatchNumber, reason
	case len(plan) == 1:
		return plan[0].BatchNumber, reason
	case len(plan) > 1:
		return "", reason + "; fefo " + domain.DescribeAllocations(plan)
	}
	return "", reason
}
