package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

// ExpiryTracker answers batch-expiry and low-stock queries.
type ExpiryTracker struct {
	deps Deps
}

func NewExpiryTracker(deps Deps) *ExpiryTracker {
	return &ExpiryTracker{deps: deps.withDefaults()}
}

type ExpiryScanResult struct {
	Expired  int
	Expiring int
}

// FindExpiringBatches returns active batches expiring within the next
// daysUntilExpiry days, earliest expiry first.
func (t *ExpiryTracker) FindExpiringBatches(ctx context.Context, facilityID string, daysUntilExpiry int) ([]domain.StockBatch, error) {
	if err := requireID("facility id", facilityID); err != nil {
		return nil, err
	}
	if daysUntilExpiry < 0 {
		return nil, fmt.Errorf("%w: days until expiry %d", domain.ErrInvalidArgument, daysUntilExpiry)
	}

	now := t.deps.Now()
	batches, err := t.deps.Store.ListExpiringBatches(ctx, facilityID, now.AddDate(0, 0, daysUntilExpiry))
	if err != nil {
		return nil, fmt.Errorf("list expiring batches: %w", err)
	}

	result := batches[:0]
	for _, b := range batches {
		if b.Status == domain.BatchStatusActive && !b.ExpiryDate.IsZero() && !b.ExpiryDate.Before(now) {
			result = append(result, b)
		}
	}
	domain.SortFEFO(result)
	return result, nil
}

// FindLowStockItems returns items at or below their reorder level, largest
// deficit first, then by name.
func (t *ExpiryTracker) FindLowStockItems(ctx context.Context, facilityID string) ([]domain.InventoryItem, error) {
	if err := requireID("facility id", facilityID); err != nil {
		return nil, err
	}

	items, err := t.deps.Store.ListLowStockItems(ctx, facilityID)
	if err != nil {
		return nil, fmt.Errorf("list low stock items: %w", err)
	}

	result := items[:0]
	for _, item := range items {
		if item.IsLowStock() && item.Status != domain.ItemStatusDiscontinued {
			result = append(result, item)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Deficit() != b.Deficit() {
			return a.Deficit() > b.Deficit()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.LocationID < b.LocationID
	})
	return result, nil
}

// ScanBatchExpiry marks active batches past their expiry date as expired and
// announces batches that expire within window. Quantities are untouched:
// expired stock stays on hand until it is written off with AdjustStock.
func (t *ExpiryTracker) ScanBatchExpiry(ctx context.Context, window time.Duration) (*ExpiryScanResult, error) {
	now := t.deps.Now()
	batches, err := t.deps.Store.ListExpiringBatches(ctx, "", now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("list expiring batches: %w", err)
	}

	expired := make(map[domain.ItemKey][]string)
	var upcoming []domain.StockBatch
	for _, b := range batches {
		if b.Status != domain.BatchStatusActive || b.ExpiryDate.IsZero() {
			continue
		}
		if b.IsExpired(now) {
			key := domain.ItemKey{ItemID: b.ItemID, LocationID: b.LocationID}
			expired[key] = append(expired[key], b.BatchID)
			continue
		}
		upcoming = append(upcoming, b)
	}

	result := &ExpiryScanResult{}
	for key, ids := range expired {
		n, err := t.expireBatches(ctx, key, ids)
		if err != nil {
			t.deps.Logger.Warn("failed to expire batches",
				zap.String("item_id", key.ItemID),
				zap.String("location_id", key.LocationID),
				zap.Error(err))
			continue
		}
		result.Expired += n
	}

	domain.SortFEFO(upcoming)
	events := make([]domain.Event, 0, len(upcoming))
	for _, b := range upcoming {
		item := &domain.InventoryItem{ItemID: b.ItemID, LocationID: b.LocationID, FacilityID: b.FacilityID}
		events = append(events, newEvent(domain.EventExpiring, b.BatchID, item, now, map[string]any{
			"batch_id":          b.BatchID,
			"batch_number":      b.BatchNumber,
			"expiry_date":       b.ExpiryDate,
			"quantity_on_hand":  b.QuantityOnHand,
			"days_until_expiry": int(b.ExpiryDate.Sub(now).Hours() / 24),
		}))
	}
	result.Expiring = len(upcoming)
	t.deps.publish(ctx, events)

	if result.Expired > 0 || result.Expiring > 0 {
		t.deps.Logger.Info("batch expiry scan",
			zap.Int("expired", result.Expired),
			zap.Int("expiring", result.Expiring))
	}
	return result, nil
}

func (t *ExpiryTracker) expireBatches(ctx context.Context, key domain.ItemKey, batchIDs []string) (int, error) {
	var count int
	err := t.deps.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		count = 0
		if _, err := tx.LockItem(ctx, key.ItemID, key.LocationID); err != nil {
			return fmt.Errorf("lock item: %w", err)
		}
		batches, err := tx.LockBatches(ctx, key.ItemID, key.LocationID)
		if err != nil {
			return fmt.Errorf("lock batches: %w", err)
		}
		now := t.deps.Now()
		for _, id := range batchIDs {
			batch := findBatchByID(batches, id)
			if batch == nil || !batch.Expire(now) {
				continue
			}
			if err := tx.UpdateBatch(ctx, *batch); err != nil {
				return fmt.Errorf("update batch: %w", err)
			}
			count++
		}
		return nil
	})
	return count, err
}
