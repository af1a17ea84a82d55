package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	ps, err := NewInMemoryNats()
	require.NoError(t, err)
	defer ps.Close()

	ctx := context.Background()
	received := make(chan []byte, 1)
	sub, err := ps.Subscribe(ctx, WorkersTopic, func(payload []byte) error {
		received <- payload
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, ps.Publish(ctx, WorkersTopic, []byte(`{"type":"worker_started"}`)))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"type":"worker_started"}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	ps, err := NewInMemoryNats()
	require.NoError(t, err)
	defer ps.Close()

	ctx := context.Background()
	specA := make(chan []byte, 8)
	sub, err := ps.Subscribe(ctx, SpecTopic("spec_a"), func(payload []byte) error {
		specA <- payload
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, ps.Publish(ctx, SpecTopic("spec_b"), []byte("other")))
	require.NoError(t, ps.Publish(ctx, SpecTopic("spec_a"), []byte("mine")))

	select {
	case payload := <-specA:
		assert.Equal(t, "mine", string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	assert.Empty(t, specA)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ps, err := NewInMemoryNats()
	require.NoError(t, err)
	defer ps.Close()

	ctx := context.Background()
	received := make(chan []byte, 8)
	sub, err := ps.Subscribe(ctx, WorkersTopic, func(payload []byte) error {
		received <- payload
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, ps.Publish(ctx, WorkersTopic, []byte("late")))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, received)
}
