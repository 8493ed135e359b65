package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

// TransferService moves stock between two locations of the same item in one
// unit of work.
type TransferService struct {
	deps Deps
}

func NewTransferService(deps Deps) *TransferService {
	return &TransferService{deps: deps.withDefaults()}
}

type TransferRequest struct {
	ItemID       string
	Quantity     int
	FromLocation string
	ToLocation   string
	PerformedBy  string
	Reference    string // defaults to a generated transfer id
}

type TransferResult struct {
	Success           bool
	TransferID        string
	SourceOnHand      int
	DestinationOnHand int
}

// TransferStock decrements the source row and increments the destination row,
// creating the destination row when the item has never been stocked there.
// Both rows are locked in (ItemID, LocationID) order regardless of direction,
// so opposing transfers cannot deadlock.
func (s *TransferService) TransferStock(ctx context.Context, req TransferRequest) (res *TransferResult, err error) {
	ctx, span := s.deps.startSpan(ctx, "TransferService.TransferStock",
		attribute.String("item.id", req.ItemID),
		attribute.String("transfer.from", req.FromLocation),
		attribute.String("transfer.to", req.ToLocation),
		attribute.Int("transfer.quantity", req.Quantity))
	defer func() { endSpan(span, err) }()
	defer s.deps.Metrics.observe("transfer", time.Now())

	if err := requireID("item id", req.ItemID); err != nil {
		return nil, err
	}
	if err := requireID("source location", req.FromLocation); err != nil {
		return nil, err
	}
	if err := requireID("destination location", req.ToLocation); err != nil {
		return nil, err
	}
	if req.FromLocation == req.ToLocation {
		return nil, fmt.Errorf("%w: source and destination are both %s", domain.ErrInvalidArgument, req.FromLocation)
	}
	if err := requirePositive("quantity", req.Quantity); err != nil {
		return nil, err
	}

	transferID := uuid.NewString()
	reference := req.Reference
	if reference == "" {
		reference = transferID
	}
	srcKey := domain.ItemKey{ItemID: req.ItemID, LocationID: req.FromLocation}
	dstKey := domain.ItemKey{ItemID: req.ItemID, LocationID: req.ToLocation}

	var events []domain.Event
	err = s.deps.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		rows, err := lockOrdered(ctx, tx, srcKey, dstKey)
		if err != nil {
			return err
		}
		src := rows[srcKey]
		if src == nil {
			return fmt.Errorf("%w: item %s at %s", domain.ErrNotFound, srcKey.ItemID, srcKey.LocationID)
		}

		now := s.deps.Now()
		dst := rows[dstKey]
		if dst == nil {
			dst = &domain.InventoryItem{
				ItemID:          src.ItemID,
				SKU:             src.SKU,
				Name:            src.Name,
				Type:            src.Type,
				LocationID:      dstKey.LocationID,
				FacilityID:      src.FacilityID,
				ReorderLevel:    src.ReorderLevel,
				ReorderQuantity: src.ReorderQuantity,
				MaxStockLevel:   src.MaxStockLevel,
				Status:          domain.ItemStatusActive,
				Version:         1,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.InsertItem(ctx, *dst); err != nil {
				return fmt.Errorf("insert destination item: %w", err)
			}
		}

		if src.Available() < req.Quantity {
			return fmt.Errorf("%w: item %s at %s has %d available, %d requested",
				domain.ErrInsufficientStock, src.ItemID, src.LocationID, src.Available(), req.Quantity)
		}

		srcBefore, dstBefore := src.QuantityOnHand, dst.QuantityOnHand
		if err := src.Adjust(-req.Quantity, now); err != nil {
			return err
		}
		if err := dst.Receive(req.Quantity, now); err != nil {
			return err
		}

		plan, err := moveBatches(ctx, tx, src, dst, req.Quantity, now)
		if err != nil {
			return err
		}

		if err := tx.UpdateItem(ctx, *src); err != nil {
			return fmt.Errorf("update source item: %w", err)
		}
		if err := tx.UpdateItem(ctx, *dst); err != nil {
			return fmt.Errorf("update destination item: %w", err)
		}

		reason := "transfer " + req.FromLocation + " -> " + req.ToLocation
		if len(plan) > 0 {
			reason += "; fefo " + domain.DescribeAllocations(plan)
		}
		for _, pair := range []struct {
			item   *domain.InventoryItem
			before int
		}{{src, srcBefore}, {dst, dstBefore}} {
			movement := movementFor(pair.item, domain.MovementTransfer, pair.before, now)
			movement.FromLocation = req.FromLocation
			movement.ToLocation = req.ToLocation
			movement.Reference = reference
			movement.Reason = reason
			movement.PerformedBy = req.PerformedBy
			if len(plan) == 1 {
				movement.BatchNumber = plan[0].BatchNumber
			}
			if err := tx.AppendMovement(ctx, movement); err != nil {
				return fmt.Errorf("append movement: %w", err)
			}
		}

		res = &TransferResult{
			Success:           true,
			TransferID:        transferID,
			SourceOnHand:      src.QuantityOnHand,
			DestinationOnHand: dst.QuantityOnHand,
		}
		events = append(events, newEvent(domain.EventTransferred, transferID, src, now, map[string]any{
			"transfer_id":   transferID,
			"reference":     reference,
			"from_location": req.FromLocation,
			"to_location":   req.ToLocation,
			"quantity":      req.Quantity,
		}))
		events = appendLowStock(events, src, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.Movements.WithLabelValues(string(domain.MovementTransfer)).Add(2)
	s.deps.Logger.Info("stock transferred",
		zap.String("transfer_id", transferID),
		zap.String("item_id", req.ItemID),
		zap.String("from_location", req.FromLocation),
		zap.String("to_location", req.ToLocation),
		zap.Int("quantity", req.Quantity))
	s.deps.publish(ctx, events)
	return res, nil
}

// lockOrdered locks the item rows in key order. Missing rows come back as
// nil entries rather than errors.
func lockOrdered(ctx context.Context, tx port.Tx, keys ...domain.ItemKey) (map[domain.ItemKey]*domain.InventoryItem, error) {
	sorted := append([]domain.ItemKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	rows := make(map[domain.ItemKey]*domain.InventoryItem, len(sorted))
	for _, key := range sorted {
		item, err := tx.LockItem(ctx, key.ItemID, key.LocationID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rows[key] = nil
		case err != nil:
			return nil, fmt.Errorf("lock item %s: %w", key, err)
		default:
			rows[key] = item
		}
	}
	return rows, nil
}

// moveBatches carries lot records along with the stock: units leave the
// source batches FEFO and land in batches with the same number and expiry at
// the destination.
func moveBatches(
	ctx context.Context,
	tx port.Tx,
	src, dst *domain.InventoryItem,
	quantity int,
	now time.Time,
) ([]domain.Allocation, error) {
	keys := []domain.ItemKey{src.Key(), dst.Key()}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	lots := make(map[domain.ItemKey][]domain.StockBatch, 2)
	for _, key := range keys {
		batches, err := tx.LockBatches(ctx, key.ItemID, key.LocationID)
		if err != nil {
			return nil, fmt.Errorf("lock batches %s: %w", key, err)
		}
		lots[key] = batches
	}
	srcBatches, dstBatches := lots[src.Key()], lots[dst.Key()]

	plan, _ := domain.AllocateFEFO(srcBatches, quantity, now)
	for _, a := range plan {
		from := findBatchByID(srcBatches, a.BatchID)
		if err := from.Adjust(-a.Quantity, now); err != nil {
			return nil, err
		}
		if err := tx.UpdateBatch(ctx, *from); err != nil {
			return nil, fmt.Errorf("update source batch: %w", err)
		}

		if to := findBatch(dstBatches, a.BatchNumber); to != nil {
			to.Receive(a.Quantity, now)
			if err := tx.UpdateBatch(ctx, *to); err != nil {
				return nil, fmt.Errorf("update destination batch: %w", err)
			}
			continue
		}
		to := domain.StockBatch{
			BatchID:          uuid.NewString(),
			ItemID:           dst.ItemID,
			LocationID:       dst.LocationID,
			FacilityID:       dst.FacilityID,
			BatchNumber:      from.BatchNumber,
			QuantityReceived: a.Quantity,
			QuantityOnHand:   a.Quantity,
			ExpiryDate:       from.ExpiryDate,
			ReceivedDate:     now,
			SupplierID:       from.SupplierID,
			UnitCost:         from.UnitCost,
			Status:           domain.BatchStatusActive,
			Version:          1,
			UpdatedAt:        now,
		}
		if err := tx.InsertBatch(ctx, to); err != nil {
			return nil, fmt.Errorf("insert destination batch: %w", err)
		}
		dstBatches = append(dstBatches, to)
	}
	return plan, nil
}
