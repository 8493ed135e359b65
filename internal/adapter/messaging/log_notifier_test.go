package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifier_Publish(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	notifier := NewLogNotifier(zap.New(core))

	require.NoError(t, notifier.Publish(context.Background(), committedEvent()))

	entries := logs.FilterMessage("inventory event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "inventory.committed", fields["event_type"])
	assert.Equal(t, "res-1", fields["key"])
	assert.Equal(t, "pharmacy", fields["location_id"])
}
