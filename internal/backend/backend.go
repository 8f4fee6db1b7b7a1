// Copyright 2025 James Ross
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/spine/internal/event"
)

// ErrBackendFull is returned by Enqueue on a bounded backend at capacity.
var ErrBackendFull = errors.New("backend: queue is full")

// ErrTransport wraps an underlying transport failure (connection loss,
// timeout talking to the broker) distinct from application-level errors.
type ErrTransport struct {
	Op  string
	Err error
}

func (e *ErrTransport) Error() string {
	return "backend: transport error during " + e.Op + ": " + e.Err.Error()
}

func (e *ErrTransport) Unwrap() error { return e.Err }

// Backend is the queue abstraction the spine dispatches against. Enqueue,
// Pull, and Ack are mandatory; Nack is optional and discovered via
// NackableBackend, matching the teacher's capability-struct idiom but
// expressed as a Go interface.
type Backend interface {
	// Enqueue appends evt to the queue. Returns ErrBackendFull if a bounded
	// backend is at capacity.
	Enqueue(ctx context.Context, evt *event.Event) error
	// Pull waits up to timeout for the next event. Returns (nil, nil) if no
	// event arrives before the deadline.
	Pull(ctx context.Context, timeout time.Duration) (*event.Event, error)
	// Ack acknowledges a previously pulled event. Acking an event the
	// backend does not recognize is a safe no-op.
	Ack(ctx context.Context, evt *event.Event) error
}

// NackableBackend is implemented by backends that support negative
// acknowledgment: routing a pulled event straight to the dead-letter path
// instead of redelivering it.
type NackableBackend interface {
	Backend
	// Nack routes evt to the backend's dead-letter destination immediately,
	// recording reason, and removes it from any pending/in-flight set.
	Nack(ctx context.Context, evt *event.Event, reason string) error
}
