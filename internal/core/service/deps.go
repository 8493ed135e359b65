package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

const (
	tracerName     = "github.com/rl1809/medstock/internal/core/service"
	publishTimeout = 5 * time.Second
)

// Deps are the collaborators shared by every service. Store is required;
// everything else falls back to a no-op.
type Deps struct {
	Store    port.Store
	Notifier port.Notifier
	Catalog  port.Catalog
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Metrics  *Metrics
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func (d Deps) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return d.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// publish hands committed events to the notifier. Delivery failures are
// logged and never reach the caller: stock state is already durable.
func (d Deps) publish(ctx context.Context, events []domain.Event) {
	if d.Notifier == nil || len(events) == 0 {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	names := make(map[string]string)
	for _, event := range events {
		if name := d.itemName(pubCtx, event.ItemID, names); name != "" {
			event.ItemName = name
		}
		if err := d.Notifier.Publish(pubCtx, event); err != nil {
			d.Logger.Warn("failed to publish event",
				zap.String("event_type", string(event.Type)),
				zap.String("key", event.Key),
				zap.Error(err))
		}
	}
}

func (d Deps) itemName(ctx context.Context, itemID string, cache map[string]string) string {
	if d.Catalog == nil {
		return ""
	}
	if name, ok := cache[itemID]; ok {
		return name
	}

	entry, err := d.Catalog.Lookup(ctx, itemID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.Logger.Debug("catalog lookup failed", zap.String("item_id", itemID), zap.Error(err))
		}
		cache[itemID] = ""
		return ""
	}
	cache[itemID] = entry.Name
	return entry.Name
}

func newEvent(eventType domain.EventType, key string, item *domain.InventoryItem, now time.Time, data any) domain.Event {
	return domain.Event{
		EventID:    uuid.NewString(),
		Type:       eventType,
		Key:        key,
		ItemID:     item.ItemID,
		ItemName:   item.Name,
		LocationID: item.LocationID,
		FacilityID: item.FacilityID,
		OccurredAt: now,
		Data:       data,
	}
}

// appendLowStock adds an inventory.low_stock event when item sits at or
// below its reorder level.
func appendLowStock(events []domain.Event, item *domain.InventoryItem, now time.Time) []domain.Event {
	if !item.IsLowStock() {
		return events
	}
	return append(events, newEvent(domain.EventLowStock, item.Key().String(), item, now, map[string]int{
		"quantity_available": item.QuantityAvailable,
		"reorder_level":      item.ReorderLevel,
		"reorder_quantity":   item.ReorderQuantity,
		"deficit":            item.Deficit(),
	}))
}

func movementFor(item *domain.InventoryItem, movementType domain.MovementType, before int, now time.Time) domain.StockMovement {
	return domain.StockMovement{
		MovementID:     uuid.NewString(),
		ItemID:         item.ItemID,
		LocationID:     item.LocationID,
		MovementType:   movementType,
		QuantityChange: item.QuantityOnHand - before,
		QuantityBefore: before,
		QuantityAfter:  item.QuantityOnHand,
		PerformedAt:    now,
	}
}

func findBatch(batches []domain.StockBatch, batchNumber string) *domain.StockBatch {
	for i := range batches {
		if batches[i].BatchNumber == batchNumber {
			return &batches[i]
		}
	}
	return nil
}

func findBatchByID(batches []domain.StockBatch, batchID string) *domain.StockBatch {
	for i := range batches {
		if batches[i].BatchID == batchID {
			return &batches[i]
		}
	}
	return nil
}

func requireID(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, name)
	}
	return nil
}

func requirePositive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", domain.ErrInvalidArgument, name, value)
	}
	return nil
}
