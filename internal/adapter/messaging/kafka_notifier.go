package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/port"
)

const eventTypeHeader = "event_type"

// MessageWriter is the part of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes inventory events keyed by item row so that every
// event of one row lands on the same partition in commit order.
type KafkaNotifier struct {
	writer MessageWriter
}

var _ port.Notifier = (*KafkaNotifier)(nil)

func NewKafkaNotifier(writer MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

func (n *KafkaNotifier) Publish(ctx context.Context, event domain.Event) error {
	msg, err := buildMessage(ctx, event)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", event.Type, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func buildMessage(ctx context.Context, event domain.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	key := event.ItemID
	if event.LocationID != "" {
		key = domain.ItemKey{ItemID: event.ItemID, LocationID: event.LocationID}.String()
	}

	carrier := headerCarrier{{Key: eventTypeHeader, Value: []byte(event.Type)}}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: carrier,
		Time:    event.OccurredAt,
	}, nil
}

// headerCarrier adapts Kafka headers to the OpenTelemetry propagation API.
type headerCarrier []kafka.Header

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if strings.EqualFold(h.Key, key) {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if strings.EqualFold(h.Key, key) {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}
