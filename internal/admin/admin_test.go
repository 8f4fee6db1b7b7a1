// Copyright 2025 James Ross
package admin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/spine/internal/admin"
	"github.com/flyingrobots/spine/internal/backend/memory"
	"github.com/flyingrobots/spine/internal/dlq"
	"github.com/flyingrobots/spine/internal/event"
)

func addFailure(t *testing.T, store *dlq.Store, eventType, reason string) {
	t.Helper()
	evt, err := event.New(eventType, map[string]any{"x": 1})
	require.NoError(t, err)
	store.Add(evt, reason)
}

func TestPeek_PagesOldestFirst(t *testing.T) {
	store := dlq.New(10)
	addFailure(t, store, "ORDER_SUBMITTED", "bad symbol")
	addFailure(t, store, "NOTIFICATION_REQUESTED", "invalid channel")

	res, err := admin.Peek(store, 0, 1)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, "ORDER_SUBMITTED", res.Entries[0].EventType)
}

func TestPeek_OffsetOutOfRange(t *testing.T) {
	store := dlq.New(10)
	addFailure(t, store, "X", "boom")

	_, err := admin.Peek(store, 5, 10)
	require.ErrorIs(t, err, admin.ErrOffsetOutOfRange)
}

func TestSearch_RanksByFuzzyMatch(t *testing.T) {
	store := dlq.New(10)
	addFailure(t, store, "ORDER_SUBMITTED", "invalid symbol: ZZZZ")
	addFailure(t, store, "NOTIFICATION_REQUESTED", "invalid channel: carrier_pigeon")
	addFailure(t, store, "SETTLEMENT_FAILED", "trader_bad_1 has insufficient funds")

	results := admin.Search(store, "trader insufficient", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "SETTLEMENT_FAILED", results[0].EventType)
}

func TestSearch_EmptyQueryReturnsAllUpToLimit(t *testing.T) {
	store := dlq.New(10)
	addFailure(t, store, "A", "r1")
	addFailure(t, store, "B", "r2")

	results := admin.Search(store, "", 1)
	require.Len(t, results, 1)
}

func TestPurgeAndRequeue(t *testing.T) {
	store := dlq.New(10)
	evt, err := event.New("ORDER_SUBMITTED", map[string]any{"x": 1})
	require.NoError(t, err)
	store.Add(evt, "boom")

	be := memory.New(0)
	requeued, notFound, err := admin.Requeue(context.Background(), store, be, []string{evt.ID(), "missing-id"})
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, []string{"missing-id"}, notFound)
	assert.Equal(t, 1, be.Len())

	n := admin.Purge(store)
	assert.Equal(t, 0, n)
}
