// Copyright 2025 James Ross
package organ

import (
	"context"

	"github.com/flyingrobots/spine/internal/event"
)

// Organ is a registered handler: a declarative event-type subscription
// plus a single Handle operation that may return zero, one, or many
// follow-up events.
//
// Handle may suspend on ctx (network I/O, timers) the way every blocking
// call in the spine's surrounding stack does; the spine bounds every call
// with a per-handler deadline via context.WithTimeout.
type Organ interface {
	// Name identifies this organ in logs and in SpineStats.HandlerErrors.
	Name() string
	// ListensTo returns the ordered set of event types this organ handles.
	ListensTo() []string
	// Handle processes a single event and returns zero, one, or many
	// follow-up events for the spine to enqueue.
	Handle(ctx context.Context, evt *event.Event) (Result, error)
}

// Kind tags the shape of a Result, the Go expression of spec §4.2's
// null | one | many handler return contract.
type Kind int

const (
	// None is a terminal step: no follow-up events.
	None Kind = iota
	// Single carries exactly one follow-up event.
	Single
	// Many carries a finite sequence of follow-up events.
	Many
)

// Result is the tagged-sum handler return value. Construct one with
// Nothing, One, or All; the spine only ever reads Events() after
// normalization.
type Result struct {
	kind   Kind
	events []*event.Event
}

// Nothing is a terminal result: no follow-up events.
func Nothing() Result { return Result{kind: None} }

// One wraps a single follow-up event.
func One(evt *event.Event) Result {
	return Result{kind: Single, events: []*event.Event{evt}}
}

// All wraps zero or more follow-up events, preserving order.
func All(evts ...*event.Event) Result {
	return Result{kind: Many, events: evts}
}

// Kind reports the tag of this result.
func (r Result) Kind() Kind { return r.kind }

// Events normalizes the result to a slice, in the order the handler
// returned them. Nothing() normalizes to an empty slice.
func (r Result) Events() []*event.Event {
	switch r.kind {
	case None:
		return nil
	default:
		return r.events
	}
}

// Func adapts a plain function to the Organ interface, matching the
// teacher's small-adapter idiom (cf. http.HandlerFunc) for organs that
// need no private state.
type Func struct {
	OrganName string
	Types     []string
	Handler   func(ctx context.Context, evt *event.Event) (Result, error)
}

func (f Func) Name() string { return f.OrganName }

func (f Func) ListensTo() []string { return f.Types }

func (f Func) Handle(ctx context.Context, evt *event.Event) (Result, error) {
	return f.Handler(ctx, evt)
}
