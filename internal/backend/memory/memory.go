// Copyright 2025 James Ross

// Package memory implements an in-process FIFO Backend, suitable for
// development, testing, and reference pipelines that do not need
// durability across process restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/spine/internal/backend"
	"github.com/flyingrobots/spine/internal/event"
)

// Backend is a FIFO queue backed by a mutex-guarded slice, with a one-slot
// notify channel waking a blocked Pull. In unbounded mode (maxSize <= 0)
// Enqueue never blocks or fails; in bounded mode Enqueue fails fast with
// backend.ErrBackendFull once maxSize events are queued, rather than
// blocking the producer.
//
// Ack is a no-op and there is no Nack: this backend holds no
// pending/in-flight state once an event has been pulled.
type Backend struct {
	mu      sync.Mutex
	queue   []*event.Event
	notify  chan struct{}
	maxSize int
}

var _ backend.Backend = (*Backend)(nil)

// New constructs an in-memory FIFO backend. maxSize <= 0 means unbounded.
func New(maxSize int) *Backend {
	return &Backend{
		notify:  make(chan struct{}, 1),
		maxSize: maxSize,
	}
}

// Enqueue appends evt to the tail of the queue. Returns
// backend.ErrBackendFull immediately if the backend is bounded and at
// capacity; never blocks.
func (b *Backend) Enqueue(ctx context.Context, evt *event.Event) error {
	b.mu.Lock()
	if b.maxSize > 0 && len(b.queue) >= b.maxSize {
		b.mu.Unlock()
		return backend.ErrBackendFull
	}
	b.queue = append(b.queue, evt)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pull waits up to timeout for the next event in FIFO order. Returns
// (nil, nil) if none arrives before the deadline.
func (b *Backend) Pull(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		if evt, ok := b.dequeue(); ok {
			return evt, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (b *Backend) dequeue() (*event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	evt := b.queue[0]
	b.queue = b.queue[1:]
	return evt, true
}

// Ack is a no-op: the in-memory backend holds no pending state after Pull.
func (b *Backend) Ack(ctx context.Context, evt *event.Event) error { return nil }

// Len reports the number of events currently queued, for tests and
// diagnostics.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
