// Copyright 2025 James Ross
package streams_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/spine/internal/backend/streams"
	"github.com/flyingrobots/spine/internal/event"
)

func newTestBackend(t *testing.T, consumer string, extra func(*streams.Config)) *streams.Backend {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := streams.Config{
		URL:           "redis://" + mr.Addr(),
		StreamKey:     "spine:test",
		ConsumerGroup: "workers",
		ConsumerName:  consumer,
		MaxRetries:    3,
		ClaimMinIdle:  50 * time.Millisecond,
	}
	if extra != nil {
		extra(&cfg)
	}

	b, err := streams.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestEnqueuePull_RoundTrip(t *testing.T) {
	b := newTestBackend(t, "c1", nil)
	ctx := context.Background()

	e, err := event.New("ORDER_PLACED", map[string]any{"amount": 10.0})
	require.NoError(t, err)

	require.NoError(t, b.Enqueue(ctx, e))

	got, err := b.Pull(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, e.Equal(got))
}

func TestAck_RemovesFromPendingSet(t *testing.T) {
	b := newTestBackend(t, "c1", nil)
	ctx := context.Background()

	e, err := event.New("X", nil)
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(ctx, e))

	got, err := b.Pull(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, b.Ack(ctx, got))

	// Once acked, the message is no longer pending, so it is not
	// reclaimed after ClaimMinIdle.
	time.Sleep(60 * time.Millisecond)
	again, err := b.Pull(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, again)

	// Acking again (or acking an event the backend never saw) is a
	// no-op, not an error.
	unknown, err := event.New("Y", nil)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, unknown))
}

func TestPull_ReclaimsAfterClaimMinIdle(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := streams.Config{
		URL:           "redis://" + mr.Addr(),
		StreamKey:     "spine:test",
		ConsumerGroup: "workers",
		MaxRetries:    3,
		ClaimMinIdle:  10 * time.Millisecond,
	}

	cfg.ConsumerName = "c1"
	c1, err := streams.New(context.Background(), cfg)
	require.NoError(t, err)
	defer c1.Close()

	cfg.ConsumerName = "c2"
	c2, err := streams.New(context.Background(), cfg)
	require.NoError(t, err)
	defer c2.Close()

	ctx := context.Background()
	e, err := event.New("X", nil)
	require.NoError(t, err)
	require.NoError(t, c1.Enqueue(ctx, e))

	// c1 pulls and crashes without acking.
	pulled, err := c1.Pull(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, pulled)

	time.Sleep(30 * time.Millisecond)

	// c2 should reclaim the same event via pending recovery.
	reclaimed, err := c2.Pull(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.True(t, e.Equal(reclaimed))
}

func TestPull_RoutesToDLQAfterMaxRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := streams.Config{
		URL:           "redis://" + mr.Addr(),
		StreamKey:     "spine:test",
		ConsumerGroup: "workers",
		MaxRetries:    1,
		ClaimMinIdle:  10 * time.Millisecond,
	}

	ctx := context.Background()

	cfg.ConsumerName = "c1"
	c1, err := streams.New(ctx, cfg)
	require.NoError(t, err)
	defer c1.Close()

	e, err := event.New("X", nil)
	require.NoError(t, err)
	require.NoError(t, c1.Enqueue(ctx, e))

	// First delivery: pulled but never acked.
	_, err = c1.Pull(ctx, time.Second)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	cfg.ConsumerName = "c2"
	c2, err := streams.New(ctx, cfg)
	require.NoError(t, err)
	defer c2.Close()

	// The first delivery already brought the delivery count to
	// MaxRetries=1, so this pull routes the idle message to the DLQ
	// instead of reclaiming it.
	_, err = c2.Pull(ctx, time.Second)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Once dead-lettered and acked, the message is neither pending nor
	// new, so a further pull returns nothing.
	next, err := c2.Pull(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestNack_RoutesToDLQImmediately(t *testing.T) {
	b := newTestBackend(t, "c1", nil)
	ctx := context.Background()

	e, err := event.New("X", map[string]any{"phone": "+1555000000"})
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(ctx, e))

	got, err := b.Pull(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, b.Nack(ctx, got, "permanent failure"))
}

func TestHealth_ReportsConnectivity(t *testing.T) {
	b := newTestBackend(t, "c1", nil)
	require.NoError(t, b.Health(context.Background()))
}
