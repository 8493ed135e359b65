package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/medstock/internal/core/domain"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func committedEvent() domain.Event {
	return domain.Event{
		EventID:    "evt-1",
		Type:       domain.EventCommitted,
		Key:        "res-1",
		ItemID:     "amox-500",
		ItemName:   "Amoxicillin 500mg",
		LocationID: "pharmacy",
		FacilityID: "fac-1",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:       map[string]any{"quantity_committed": 3},
	}
}

func TestKafkaNotifier_Publish(t *testing.T) {
	writer := &recordingWriter{}
	notifier := NewKafkaNotifier(writer)

	require.NoError(t, notifier.Publish(context.Background(), committedEvent()))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "amox-500/pharmacy", string(msg.Key))
	assert.Equal(t, committedEvent().OccurredAt, msg.Time)

	carrier := headerCarrier(msg.Headers)
	assert.Equal(t, "inventory.committed", carrier.Get(eventTypeHeader))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "inventory.committed", decoded["type"])
	assert.Equal(t, "res-1", decoded["key"])
	assert.Equal(t, "Amoxicillin 500mg", decoded["item_name"])
}

func TestKafkaNotifier_PublishError(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	notifier := NewKafkaNotifier(writer)

	err := notifier.Publish(context.Background(), committedEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestKafkaNotifier_Close(t *testing.T) {
	writer := &recordingWriter{}
	require.NoError(t, NewKafkaNotifier(writer).Close())
	assert.True(t, writer.closed)
}

func TestHeaderCarrier_TraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	carrier := headerCarrier{}
	propagation.TraceContext{}.Inject(ctx, &carrier)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))

	carrier.Set("TraceParent", "replaced")
	assert.Len(t, carrier.Keys(), 1)
	assert.Equal(t, "replaced", carrier.Get("traceparent"))
}

func TestBuildMessage_KeyWithoutLocation(t *testing.T) {
	event := committedEvent()
	event.LocationID = ""

	msg, err := buildMessage(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, "amox-500", string(msg.Key))
}
