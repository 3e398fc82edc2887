package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NotNil(t, client)
	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_Options(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithName("deriv-worker"),
		WithMaxReconnects(10),
		WithReconnectWait(time.Second),
		WithConnectTimeout(2*time.Second),
		WithDrainTimeout(5*time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "deriv-worker", client.clientName)
	assert.Equal(t, 10, client.maxReconnects)
	assert.Equal(t, time.Second, client.reconnectWait)
	assert.Equal(t, 2*time.Second, client.timeout)
	assert.Equal(t, 5*time.Second, client.drainTimeout)
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{ConnectionStatus(99), "unknown"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.status.String())
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	client, err := NewClient("nats://invalid-host:4222",
		WithConnectTimeout(100*time.Millisecond),
		WithConnectBackoff(200*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestPublish_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish(context.Background(), "test.subject", []byte("data"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestJetStream_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))
	assert.Equal(t, StatusDisconnected, client.Status())
}
