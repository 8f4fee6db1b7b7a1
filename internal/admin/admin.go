// Copyright 2025 James Ross

// Package admin implements the read/operate surface used by the admin API
// and any operator tooling built on top of it: dispatcher statistics, DLQ
// inspection, and DLQ requeue/purge.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/flyingrobots/spine/internal/backend"
	"github.com/flyingrobots/spine/internal/dlq"
	"github.com/flyingrobots/spine/internal/spine"
)

// StatsResult summarizes a running Spine for operator consumption.
type StatsResult struct {
	EventsProcessed int64            `json:"events_processed"`
	EventsEmitted   int64            `json:"events_emitted"`
	EnqueueFailures map[string]int64 `json:"enqueue_failures"`
	HandlerErrors   map[string]int64 `json:"handler_errors"`
	BackendErrors   int64            `json:"backend_errors"`
	AckErrors       int64            `json:"ack_errors"`
	DLQDepth        int              `json:"dlq_depth"`
	DLQDropped      int              `json:"dlq_dropped"`
	BackendHealthy  bool             `json:"backend_healthy"`
}

// healthChecker is implemented by backends that can report connectivity;
// the in-memory backend has nothing to check and is always healthy.
type healthChecker interface {
	Health(ctx context.Context) error
}

// Stats snapshots sp's counters and, if be supports it, its connectivity.
func Stats(ctx context.Context, sp *spine.Spine, be backend.Backend) StatsResult {
	s := sp.GetStats()
	store := sp.FailedEvents()

	res := StatsResult{
		EventsProcessed: s.EventsProcessed,
		EventsEmitted:   s.EventsEmitted,
		EnqueueFailures: s.EnqueueFailures,
		HandlerErrors:   s.HandlerErrors,
		BackendErrors:   s.BackendErrors,
		AckErrors:       s.AckErrors,
		DLQDepth:        store.Len(),
		DLQDropped:      store.DroppedCount(),
		BackendHealthy:  true,
	}
	if hc, ok := be.(healthChecker); ok {
		res.BackendHealthy = hc.Health(ctx) == nil
	}
	return res
}

// DLQEntry is a dead-lettered event shaped for display or transport.
type DLQEntry struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Reason    string         `json:"reason"`
	FailedAt  string         `json:"failed_at"`
}

// PeekResult is a page of the failed-event store, oldest first.
type PeekResult struct {
	Entries []DLQEntry `json:"entries"`
	Total   int        `json:"total"`
}

// ErrOffsetOutOfRange is returned when offset exceeds the number of
// stored entries.
var ErrOffsetOutOfRange = errors.New("admin: offset out of range")

// Peek returns up to limit DLQ entries starting at offset.
func Peek(store *dlq.Store, offset, limit int) (PeekResult, error) {
	all := store.Entries()
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		return PeekResult{}, fmt.Errorf("%w: %d entries stored", ErrOffsetOutOfRange, len(all))
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	out := make([]DLQEntry, 0, end-offset)
	for _, e := range all[offset:end] {
		out = append(out, toDLQEntry(e))
	}
	return PeekResult{Entries: out, Total: len(all)}, nil
}

// Search returns DLQ entries whose event type or failure reason fuzzy-matches
// query, ranked by match quality (best first). It is meant for an operator
// hunting for "that one failed order event" without knowing the exact event
// ID, the same role fuzzy filtering plays in an interactive queue browser.
func Search(store *dlq.Store, query string, limit int) []DLQEntry {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	all := store.Entries()
	if query == "" {
		out := make([]DLQEntry, 0, min(limit, len(all)))
		for _, e := range all {
			if len(out) >= limit {
				break
			}
			out = append(out, toDLQEntry(e))
		}
		return out
	}

	haystacks := make([]string, len(all))
	for i, e := range all {
		haystacks[i] = e.Event.Type() + " " + e.Reason
	}
	ranks := fuzzy.RankFindNormalizedFold(query, haystacks)
	sort.Sort(ranks)

	out := make([]DLQEntry, 0, min(limit, len(ranks)))
	for _, r := range ranks {
		if len(out) >= limit {
			break
		}
		out = append(out, toDLQEntry(all[r.OriginalIndex]))
	}
	return out
}

func toDLQEntry(e dlq.Entry) DLQEntry {
	return DLQEntry{
		EventID:   e.Event.ID(),
		EventType: e.Event.Type(),
		Payload:   e.Event.Payload(),
		Reason:    e.Reason,
		FailedAt:  e.FailedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
}

// Purge empties store and reports how many entries were discarded.
func Purge(store *dlq.Store) int {
	return store.Clear()
}

// Requeue re-enqueues the DLQ entries matching ids onto be, removing each
// from store as it succeeds. It returns the event IDs it could not find
// in the store (already requeued, already purged, or never dead-lettered)
// rather than erroring on them, since a caller batch-requeuing is expected
// to tolerate a partially stale id list. An entry whose enqueue fails is
// put back at the tail of store before the error is returned.
func Requeue(ctx context.Context, store *dlq.Store, be backend.Backend, ids []string) (requeued int, notFound []string, err error) {
	for _, id := range ids {
		entry, ok := store.RemoveByEventID(id)
		if !ok {
			notFound = append(notFound, id)
			continue
		}
		if enqErr := be.Enqueue(ctx, entry.Event); enqErr != nil {
			store.Add(entry.Event, entry.Reason)
			return requeued, notFound, fmt.Errorf("requeue %s: %w", id, enqErr)
		}
		requeued++
	}
	sort.Strings(notFound)
	return requeued, notFound, nil
}
