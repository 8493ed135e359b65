package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

// StockService keeps item and batch quantities: receipts, manual
// adjustments and availability checks.
type StockService struct {
	deps Deps
}

func NewStockService(deps Deps) *StockService {
	return &StockService{deps: deps.withDefaults()}
}

type NewItem struct {
	ItemID          string
	SKU             string
	Name            string
	Type            domain.ItemType
	LocationID      string
	FacilityID      string
	ReorderLevel    int
	ReorderQuantity int
	MaxStockLevel   int
}

type ReceiveRequest struct {
	ItemID      string
	Quantity    int
	BatchNumber string
	ExpiryDate  time.Time // zero for stock without an expiry
	LocationID  string
	SupplierID  string
	UnitCost    decimal.NullDecimal
	Reference   string
	PerformedBy string
}

type ReceiveResult struct {
	BatchID           string
	NewQuantityOnHand int
}

type AdjustRequest struct {
	ItemID         string
	QuantityChange int
	Reason         string
	LocationID     string
	PerformedBy    string
	BatchNumber    string              // optional; also corrects this lot
	Kind           domain.MovementType // defaults to adjustment
	Reference      string
}

type AdjustResult struct {
	NewQuantity int
}

type Availability struct {
	Available         bool
	OnHand            int
	Reserved          int
	AvailableQuantity int
}

// CreateItem registers an item at a location with zero stock.
func (s *StockService) CreateItem(ctx context.Context, req NewItem) (*domain.InventoryItem, error) {
	if err := requireID("item id", req.ItemID); err != nil {
		return nil, err
	}
	if err := requireID("location id", req.LocationID); err != nil {
		return nil, err
	}
	if err := requireID("facility id", req.FacilityID); err != nil {
		return nil, err
	}
	if req.ReorderLevel < 0 || req.ReorderQuantity < 0 || req.MaxStockLevel < 0 {
		return nil, fmt.Errorf("%w: stock levels must not be negative", domain.ErrInvalidArgument)
	}
	itemType := req.Type
	if itemType == "" {
		itemType = domain.ItemTypeSupply
	}

	now := s.deps.Now()
	item := domain.InventoryItem{
		ItemID:          req.ItemID,
		SKU:             req.SKU,
		Name:            req.Name,
		Type:            itemType,
		LocationID:      req.LocationID,
		FacilityID:      req.FacilityID,
		ReorderLevel:    req.ReorderLevel,
		ReorderQuantity: req.ReorderQuantity,
		MaxStockLevel:   req.MaxStockLevel,
		Status:          domain.ItemStatusActive,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.InsertItem(ctx, item)
	})
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	return &item, nil
}

// Receive books incoming stock into a batch, creating the batch when the
// batch number is new at this location. Batch numbers are not deduplicated:
// receiving an existing number extends that lot.
func (s *StockService) Receive(ctx context.Context, req ReceiveRequest) (res *ReceiveResult, err error) {
	ctx, span := s.deps.startSpan(ctx, "StockService.Receive",
		attribute.String("item.id", req.ItemID),
		attribute.String("batch.number", req.BatchNumber),
		attribute.Int("receipt.quantity", req.Quantity))
	defer func() { endSpan(span, err) }()
	defer s.deps.Metrics.observe("receive", time.Now())

	if err := requireID("item id", req.ItemID); err != nil {
		return nil, err
	}
	if err := requireID("location id", req.LocationID); err != nil {
		return nil, err
	}
	if err := requireID("batch number", req.BatchNumber); err != nil {
		return nil, err
	}
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return nil, err
	}

	var events []domain.Event
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		item, err := tx.LockItem(ctx, req.ItemID, req.LocationID)
		if err != nil {
			return fmt.Errorf("lock item: %w", err)
		}
		batches, err := tx.LockBatches(ctx, req.ItemID, req.LocationID)
		if err != nil {
			return fmt.Errorf("lock batches: %w", err)
		}

		now := s.deps.Now()
		if !req.ExpiryDate.IsZero() && req.ExpiryDate.Before(now) {
			return fmt.Errorf("%w: batch %s expired on %s",
				domain.ErrInvalidArgument, req.BatchNumber, req.ExpiryDate.Format(time.DateOnly))
		}

		before := item.QuantityOnHand
		if err := item.Receive(req.Quantity, now); err != nil {
			return err
		}

		batch := findBatch(batches, req.BatchNumber)
		if batch == nil {
			batch = &domain.StockBatch{
				BatchID:          uuid.NewString(),
				ItemID:           item.ItemID,
				LocationID:       item.LocationID,
				FacilityID:       item.FacilityID,
				BatchNumber:      req.BatchNumber,
				QuantityReceived: req.Quantity,
				QuantityOnHand:   req.Quantity,
				ExpiryDate:       req.ExpiryDate,
				ReceivedDate:     now,
				SupplierID:       req.SupplierID,
				UnitCost:         req.UnitCost,
				Status:           domain.BatchStatusActive,
				Version:          1,
				UpdatedAt:        now,
			}
			if err := tx.InsertBatch(ctx, *batch); err != nil {
				return fmt.Errorf("insert batch: %w", err)
			}
		} else {
			batch.Receive(req.Quantity, now)
			if !batch.UnitCost.Valid && req.UnitCost.Valid {
				batch.UnitCost = req.UnitCost
			}
			if err := tx.UpdateBatch(ctx, *batch); err != nil {
				return fmt.Errorf("update batch: %w", err)
			}
		}

		if err := tx.UpdateItem(ctx, *item); err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		movement := movementFor(item, domain.MovementReceipt, before, now)
		movement.BatchNumber = req.BatchNumber
		movement.ToLocation = item.LocationID
		movement.Reference = req.Reference
		movement.Reason = "receipt"
		if req.SupplierID != "" {
			movement.Reason = "receipt from " + req.SupplierID
		}
		movement.PerformedBy = req.PerformedBy
		if err := tx.AppendMovement(ctx, movement); err != nil {
			return fmt.Errorf("append movement: %w", err)
		}

		res = &ReceiveResult{BatchID: batch.BatchID, NewQuantityOnHand: item.QuantityOnHand}
		events = append(events, newEvent(domain.EventReceived, batch.BatchID, item, now, map[string]any{
			"batch_id":       batch.BatchID,
			"batch_number":   batch.BatchNumber,
			"quantity":       req.Quantity,
			"expiry_date":    batch.ExpiryDate,
			"quantity_after": item.QuantityOnHand,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.movement(domain.MovementReceipt)
	s.deps.Logger.Info("stock received",
		zap.String("item_id", req.ItemID),
		zap.String("location_id", req.LocationID),
		zap.String("batch_number", req.BatchNumber),
		zap.Int("quantity", req.Quantity),
		zap.Int("on_hand", res.NewQuantityOnHand))
	s.deps.publish(ctx, events)
	return res, nil
}

// AdjustStock applies a manual correction (count correction, damage, loss).
// On-hand may not fall below zero or below the quantity currently reserved.
func (s *StockService) AdjustStock(ctx context.Context, req AdjustRequest) (res *AdjustResult, err error) {
	ctx, span := s.deps.startSpan(ctx, "StockService.AdjustStock",
		attribute.String("item.id", req.ItemID),
		attribute.Int("adjustment.quantity", req.QuantityChange))
	defer func() { endSpan(span, err) }()
	defer s.deps.Metrics.observe("adjust", time.Now())

	if err := requireID("item id", req.ItemID); err != nil {
		return nil, err
	}
	if err := requireID("location id", req.LocationID); err != nil {
		return nil, err
	}
	if req.QuantityChange == 0 {
		return nil, fmt.Errorf("%w: quantity change must not be zero", domain.ErrInvalidArgument)
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.MovementAdjustment
	}
	if !adjustmentKind(kind) {
		return nil, fmt.Errorf("%w: %s is not an adjustment kind", domain.ErrInvalidArgument, kind)
	}

	var events []domain.Event
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		item, err := tx.LockItem(ctx, req.ItemID, req.LocationID)
		if err != nil {
			return fmt.Errorf("lock item: %w", err)
		}

		now := s.deps.Now()
		before := item.QuantityOnHand
		if err := item.Adjust(req.QuantityChange, now); err != nil {
			return err
		}

		if req.BatchNumber != "" {
			batches, err := tx.LockBatches(ctx, req.ItemID, req.LocationID)
			if err != nil {
				return fmt.Errorf("lock batches: %w", err)
			}
			batch := findBatch(batches, req.BatchNumber)
			if batch == nil {
				return fmt.Errorf("%w: batch %s of item %s at %s",
					domain.ErrNotFound, req.BatchNumber, req.ItemID, req.LocationID)
			}
			if err := batch.Adjust(req.QuantityChange, now); err != nil {
				return err
			}
			if err := tx.UpdateBatch(ctx, *batch); err != nil {
				return fmt.Errorf("update batch: %w", err)
			}
		} else if req.QuantityChange < 0 {
			if err := s.writeOffBatches(ctx, tx, item, -req.QuantityChange, now); err != nil {
				return err
			}
		}

		if err := tx.UpdateItem(ctx, *item); err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		movement := movementFor(item, kind, before, now)
		movement.BatchNumber = req.BatchNumber
		movement.Reason = req.Reason
		movement.Reference = req.Reference
		movement.PerformedBy = req.PerformedBy
		if req.QuantityChange < 0 {
			movement.FromLocation = item.LocationID
		} else {
			movement.ToLocation = item.LocationID
		}
		if err := tx.AppendMovement(ctx, movement); err != nil {
			return fmt.Errorf("append movement: %w", err)
		}

		res = &AdjustResult{NewQuantity: item.QuantityOnHand}
		events = append(events, newEvent(domain.EventAdjusted, movement.MovementID, item, now, map[string]any{
			"movement_type":   kind,
			"quantity_change": req.QuantityChange,
			"quantity_after":  item.QuantityOnHand,
			"reason":          req.Reason,
		}))
		events = appendLowStock(events, item, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.movement(kind)
	s.deps.Logger.Info("stock adjusted",
		zap.String("item_id", req.ItemID),
		zap.String("location_id", req.LocationID),
		zap.String("kind", string(kind)),
		zap.Int("quantity_change", req.QuantityChange),
		zap.Int("on_hand", res.NewQuantity),
		zap.String("reason", req.Reason))
	s.deps.publish(ctx, events)
	return res, nil
}

// CheckAvailability reports current stock without taking any lock. The
// answer is advisory: stock may be reserved by someone else the moment it
// returns, and only Reserve makes a binding claim. An empty locationID sums
// every location holding the item.
func (s *StockService) CheckAvailability(ctx context.Context, itemID string, quantity int, locationID string) (*Availability, error) {
	if err := requireID("item id", itemID); err != nil {
		return nil, err
	}
	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity %d", domain.ErrInvalidArgument, quantity)
	}

	var rows []domain.InventoryItem
	if locationID != "" {
		item, err := s.deps.Store.GetItem(ctx, itemID, locationID)
		if err != nil {
			return nil, fmt.Errorf("get item: %w", err)
		}
		rows = append(rows, *item)
	} else {
		var err error
		rows, err = s.deps.Store.ListItemLocations(ctx, itemID, "")
		if err != nil {
			return nil, fmt.Errorf("list item locations: %w", err)
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
		}
	}

	var a Availability
	for _, row := range rows {
		a.OnHand += row.QuantityOnHand
		a.Reserved += row.QuantityReserved
	}
	a.AvailableQuantity = a.OnHand - a.Reserved
	a.Available = a.AvailableQuantity >= quantity
	return &a, nil
}

func adjustmentKind(t domain.MovementType) bool {
	switch t {
	case domain.MovementAdjustment, domain.MovementDamage, domain.MovementExpiry,
		domain.MovementReturn, domain.MovementRecall, domain.MovementQuarantine:
		return true
	}
	return false
}

// writeOffBatches takes an unbatched write-off out of the lots, earliest
// expiry first, so lot totals follow the item row. Units no lot covers come
// off the item row alone.
func (s *StockService) writeOffBatches(ctx context.Context, tx port.Tx, item *domain.InventoryItem, quantity int, now time.Time) error {
	batches, err := tx.LockBatches(ctx, item.ItemID, item.LocationID)
	if err != nil {
		return fmt.Errorf("lock batches: %w", err)
	}
	plan, uncovered := domain.AllocateWriteOff(batches, quantity)
	for _, a := range plan {
		batch := findBatchByID(batches, a.BatchID)
		if err := batch.Adjust(-a.Quantity, now); err != nil {
			return err
		}
		if err := tx.UpdateBatch(ctx, *batch); err != nil {
			return fmt.Errorf("update batch: %w", err)
		}
	}
	if uncovered > 0 {
		s.deps.Logger.Debug("write-off not covered by batches",
			zap.String("item_id", item.ItemID),
			zap.String("location_id", item.LocationID),
			zap.Int("uncovered", uncovered))
	}
	return nil
}
