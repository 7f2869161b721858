package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusDeliversToRegisteredHandler(t *testing.T) {
	b := NewLocalBus()
	var got any
	b.RegisterHandler("pd.dispatch_process", func(ctx context.Context, record any) error {
		got = record
		return nil
	})

	require.NoError(t, b.Deliver(context.Background(), "pd.dispatch_process", "payload"))
	assert.Equal(t, "payload", got)
}

func TestLocalBusUnknownOperationErrors(t *testing.T) {
	b := NewLocalBus()
	err := b.Deliver(context.Background(), "pd.does_not_exist", nil)
	assert.Error(t, err)
}

func TestLocalBusSendWrapsEnvelope(t *testing.T) {
	b := NewLocalBus()
	var got Envelope
	b.RegisterHandler("epum.heartbeat", func(ctx context.Context, record any) error {
		got = record.(Envelope)
		return nil
	})

	require.NoError(t, b.Send(context.Background(), "epum.heartbeat", map[string]any{"instance_id": "i-1"}))
	assert.Equal(t, "epum.heartbeat", got.Operation)
	assert.False(t, got.SentAt.IsZero())
}
