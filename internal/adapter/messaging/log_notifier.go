package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

// LogNotifier writes events to the log. It is used when no broker is
// configured.
type LogNotifier struct {
	logger *zap.Logger
}

var _ port.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Publish(ctx context.Context, event domain.Event) error {
	n.logger.Info("inventory event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.Type)),
		zap.String("key", event.Key),
		zap.String("item_id", event.ItemID),
		zap.String("item_name", event.ItemName),
		zap.String("location_id", event.LocationID),
		zap.Time("occurred_at", event.OccurredAt),
		zap.Any("data", event.Data))
	return nil
}
