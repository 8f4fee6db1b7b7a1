// Copyright 2025 James Ross
package spine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/spine/internal/backend"
	"github.com/flyingrobots/spine/internal/backend/memory"
	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
	"github.com/flyingrobots/spine/internal/spine"
)

func mustEvent(t *testing.T, eventType string, payload map[string]any) *event.Event {
	t.Helper()
	e, err := event.New(eventType, payload)
	require.NoError(t, err)
	return e
}

// S1 — simple chain: A (START -> FOLLOW_UP) then B (FOLLOW_UP -> nil).
func TestRun_SimpleChain(t *testing.T) {
	var order []string
	var mu sync.Mutex

	a := organ.Func{
		OrganName: "A",
		Types:     []string{"START"},
		Handler: func(ctx context.Context, evt *event.Event) (organ.Result, error) {
			mu.Lock()
			order = append(order, "A")
			mu.Unlock()
			out, err := event.New("FOLLOW_UP", map[string]any{"from": "A"})
			require.NoError(t, err)
			return organ.One(out), nil
		},
	}
	var bReceived *event.Event
	b := organ.Func{
		OrganName: "B",
		Types:     []string{"FOLLOW_UP"},
		Handler: func(ctx context.Context, evt *event.Event) (organ.Result, error) {
			mu.Lock()
			order = append(order, "B")
			bReceived = evt
			mu.Unlock()
			return organ.Nothing(), nil
		},
	}

	be := memory.New(0)
	start := mustEvent(t, "START", nil)

	sp, err := spine.New(be, []organ.Organ{a, b}, spine.WithStartEvent(start), spine.WithMaxSteps(10))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() {
		time.Sleep(200 * time.Millisecond)
		sp.Stop()
	}()

	stats, err := sp.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.EventsProcessed)
	assert.Equal(t, int64(1), stats.EventsEmitted)
	assert.Equal(t, []string{"A", "B"}, order)
	require.NotNil(t, bReceived)
	assert.Equal(t, "A", bReceived.Payload()["from"])
	assert.Equal(t, 0, sp.FailedEvents().Len())
}

// Invariant #7 — only matching organs are invoked, in registration order.
func TestRun_OnlyMatchingOrgansInvokedInOrder(t *testing.T) {
	var invoked []string
	var mu sync.Mutex
	record := func(name string) organ.Func {
		return organ.Func{
			OrganName: name,
			Types:     []string{"PING"},
			Handler: func(ctx context.Context, evt *event.Event) (organ.Result, error) {
				mu.Lock()
				invoked = append(invoked, name)
				mu.Unlock()
				return organ.Nothing(), nil
			},
		}
	}
	irrelevant := organ.Func{
		OrganName: "irrelevant",
		Types:     []string{"OTHER"},
		Handler: func(ctx context.Context, evt *event.Event) (organ.Result, error) {
			t.Fatal("irrelevant organ must not be invoked")
			return organ.Nothing(), nil
		},
	}

	be := memory.New(0)
	start := mustEvent(t, "PING", nil)
	sp, err := spine.New(be, []organ.Organ{record("first"), irrelevant, record("second")}, spine.WithStartEvent(start))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, _ = sp.Run(ctx)

	assert.Equal(t, []string{"first", "second"}, invoked)
}

// Invariant #9 / S-style — max_steps bounds an infinite-emission pipeline.
func TestRun_MaxStepsExceeded(t *testing.T) {
	loop := organ.Func{
		OrganName: "looper",
		Types:     []string{"LOOP"},
		Handler: func(ctx context.Context, evt *event.Event) (organ.Result, error) {
			next, err := event.New("LOOP", nil)
			require.NoError(t, err)
			return organ.One(next), nil
		},
	}

	be := memory.New(0)
	start := mustEvent(t, "LOOP", nil)
	sp, err := spine.New(be, []organ.Organ{loop}, spine.WithStartEvent(start), spine.WithMaxSteps(5))
	require.NoError(t, err)

	_, err = sp.Run(context.Background())
	require.Error(t, err)
	var maxErr *spine.MaxStepsExceededError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 5, maxErr.MaxSteps)
}

// S4 — circuit breaker: backend fails every pull.
type alwaysFailBackend struct{}

func (alwaysFailBackend) Enqueue(ctx context.Context, evt *event.Event) error { return nil }
func (alwaysFailBackend) Pull(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	return nil, errors.New("transport down")
}
func (alwaysFailBackend) Ack(ctx context.Context, evt *event.Event) error { return nil }

func TestRun_CircuitBreakerTripsOnConsecutivePullFailures(t *testing.T) {
	sp, err := spine.New(alwaysFailBackend{}, nil, spine.WithMaxConsecutiveBackendFailures(3))
	require.NoError(t, err)

	stats, err := sp.Run(context.Background())
	require.Error(t, err)

	var unavailable *spine.BackendUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, unavailable.FailureCount)
	assert.Equal(t, int64(3), stats.BackendErrors)
}

// Invariant #11 — a successful pull resets the consecutive-failure counter.
type flakyBackend struct {
	mu          sync.Mutex
	fails       int // failing pulls before the first event is delivered
	failsAfter  int // further failing pulls once an event has been delivered
	failedSoFar int
	delivered   bool
	inner       backend.Backend
}

func (f *flakyBackend) Enqueue(ctx context.Context, evt *event.Event) error {
	return f.inner.Enqueue(ctx, evt)
}

func (f *flakyBackend) Pull(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	f.mu.Lock()
	limit := f.fails
	if f.delivered {
		limit += f.failsAfter
	}
	shouldFail := f.failedSoFar < limit
	if shouldFail {
		f.failedSoFar++
	}
	f.mu.Unlock()
	if shouldFail {
		return nil, errors.New("flaky")
	}
	evt, err := f.inner.Pull(ctx, timeout)
	if evt != nil {
		f.mu.Lock()
		f.delivered = true
		f.mu.Unlock()
	}
	return evt, err
}

func (f *flakyBackend) Ack(ctx context.Context, evt *event.Event) error {
	return f.inner.Ack(ctx, evt)
}

func TestRun_SuccessfulPullResetsFailureCounter(t *testing.T) {
	inner := memory.New(0)
	fb := &flakyBackend{fails: 2, failsAfter: 2, inner: inner}

	noop := organ.Func{
		OrganName: "noop",
		Types:     []string{"X"},
		Handler: func(ctx context.Context, evt *event.Event) (organ.Result, error) {
			return organ.Nothing(), nil
		},
	}

	// Two failures, then a real event, then two more failures: since the
	// counter resets after the successful pull, the total of 4 failures
	// must never trip a threshold of 3.
	sp, err := spine.New(fb, []organ.Organ{noop}, spine.WithMaxConsecutiveBackendFailures(3))
	require.NoError(t, err)

	require.NoError(t, inner.Enqueue(context.Background(), mustEvent(t, "X", nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(250 * time.Millisecond)
		sp.Stop()
	}()

	stats, err := sp.Run(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.EventsProcessed, int64(1))
}

// Invariant #12 — handler_failure_mode=STORE: exactly one DLQ entry, event acked.
func TestRun_HandlerFailureStoreWritesExactlyOneDLQEntry(t *testing.T) {
	boom := organ.Func{
		OrganName: "boom",
		Types:     []string{"X"},
		Handler: func(ctx context.Context, evt *event.Event) (organ.Result, error) {
			if evt.Payload()["phone"] == "+1555000000" {
				return organ.Result{}, errors.New("permanent failure")
			}
			return organ.Nothing(), nil
		},
	}

	be := memory.New(0)
	sp, err := spine.New(be, []organ.Organ{boom}, spine.WithHandlerFailureMode(spine.HandlerStore))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, be.Enqueue(ctx, mustEvent(t, "X", map[string]any{"phone": "+1555000000"})))
	require.NoError(t, be.Enqueue(ctx, mustEvent(t, "X", map[string]any{"phone": "+1999999999"})))

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		sp.Stop()
	}()

	stats, err := sp.Run(runCtx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.EventsProcessed)
	assert.Equal(t, 1, sp.FailedEvents().Len())
	assert.Equal(t, "+1555000000", sp.FailedEvents().Entries()[0].Event.Payload()["phone"])
}

// Invariant #13 — handler_failure_mode=NACK: no ack issued for failed events.
type ackTrackingBackend struct {
	*memory.Backend
	mu    sync.Mutex
	acked []string
}

func newAckTrackingBackend() *ackTrackingBackend {
	return &ackTrackingBackend{Backend: memory.New(0)}
}

func (a *ackTrackingBackend) Ack(ctx context.Context, evt *event.Event) error {
	a.mu.Lock()
	a.acked = append(a.acked, evt.ID())
	a.mu.Unlock()
	return a.Backend.Ack(ctx, evt)
}

func (a *ackTrackingBackend) Nack(ctx context.Context, evt *event.Event, reason string) error {
	return nil
}

var _ backend.NackableBackend = (*ackTrackingBackend)(nil)

func TestRun_HandlerFailureNackSkipsAck(t *testing.T) {
	boom := organ.Func{
		OrganName: "boom",
		Types:     []string{"X"},
		Handler: func(ctx context.Context, evt *event.Event) (organ.Result, error) {
			return organ.Result{}, errors.New("fails every time")
		},
	}

	be := newAckTrackingBackend()
	sp, err := spine.New(be, []organ.Organ{boom}, spine.WithHandlerFailureMode(spine.HandlerNack))
	require.NoError(t, err)

	ctx := context.Background()
	evt := mustEvent(t, "X", nil)
	require.NoError(t, be.Enqueue(ctx, evt))

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		sp.Stop()
	}()

	_, err = sp.Run(runCtx)
	require.NoError(t, err)

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Empty(t, be.acked)
}

func TestNew_RejectsOrganWithEmptyListensTo(t *testing.T) {
	bad := organ.Func{OrganName: "bad", Types: nil}
	_, err := spine.New(memory.New(0), []organ.Organ{bad})
	require.Error(t, err)
	var ve *spine.OrganValidationError
	require.ErrorAs(t, err, &ve)
}
