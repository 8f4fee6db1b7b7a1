// Copyright 2025 James Ross

// Package spine implements the dispatcher that pulls events from a
// Backend, routes each to its matching organs in registration order,
// enqueues whatever they emit, and resolves acknowledgment per the
// configured failure-mode policies.
package spine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/spine/internal/backend"
	"github.com/flyingrobots/spine/internal/dlq"
	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/obs"
	"github.com/flyingrobots/spine/internal/organ"
)

// EnqueueFailureMode controls how the spine reacts when it cannot enqueue
// an event emitted by an organ.
type EnqueueFailureMode int

const (
	// EnqueueFail wraps the error in EnqueueError and terminates Run.
	EnqueueFail EnqueueFailureMode = iota
	// EnqueueRetry retries with exponential backoff before giving up.
	EnqueueRetry
	// EnqueueStore records the event and the error in the failed-event
	// store and continues.
	EnqueueStore
)

// HandlerFailureMode controls acknowledgment once all organs matching a
// dispatched event have run.
type HandlerFailureMode int

const (
	// HandlerLog acks the event; the failure has already been logged.
	HandlerLog HandlerFailureMode = iota
	// HandlerStore records the event and the error to the failed-event
	// store, then acks.
	HandlerStore
	// HandlerNack leaves the event un-acked so the backend redelivers it.
	HandlerNack
)

const (
	defaultMaxSteps                      = 100_000
	defaultRetryAttempts                 = 3
	defaultRetryBaseDelay                = 100 * time.Millisecond
	defaultHandlerTimeout                = 30 * time.Second
	defaultMaxConsecutiveBackendFailures = 10
	pullTimeout                          = time.Second
)

// Stats is a snapshot of SpineStats accumulated over a Run.
type Stats struct {
	EventsProcessed int64
	EventsEmitted   int64
	EnqueueFailures map[string]int64
	HandlerErrors   map[string]int64
	BackendErrors   int64
	AckErrors       int64
}

func newStats() Stats {
	return Stats{
		EnqueueFailures: make(map[string]int64),
		HandlerErrors:   make(map[string]int64),
	}
}

func (s Stats) clone() Stats {
	out := newStats()
	out.EventsProcessed = s.EventsProcessed
	out.EventsEmitted = s.EventsEmitted
	out.BackendErrors = s.BackendErrors
	out.AckErrors = s.AckErrors
	for k, v := range s.EnqueueFailures {
		out.EnqueueFailures[k] = v
	}
	for k, v := range s.HandlerErrors {
		out.HandlerErrors[k] = v
	}
	return out
}

// Option configures a Spine at construction time.
type Option func(*Spine)

// WithMaxSteps bounds the number of events processed per Run; the default
// is 100,000.
func WithMaxSteps(n int) Option { return func(s *Spine) { s.maxSteps = n } }

// WithRetryAttempts sets the number of RETRY-mode enqueue attempts before
// giving up.
func WithRetryAttempts(n int) Option { return func(s *Spine) { s.retryAttempts = n } }

// WithRetryBaseDelay sets the base delay for RETRY-mode exponential
// backoff (doubled each attempt).
func WithRetryBaseDelay(d time.Duration) Option { return func(s *Spine) { s.retryBaseDelay = d } }

// WithHandlerTimeout bounds each organ invocation.
func WithHandlerTimeout(d time.Duration) Option { return func(s *Spine) { s.handlerTimeout = d } }

// WithMaxConsecutiveBackendFailures sets the circuit breaker's threshold.
func WithMaxConsecutiveBackendFailures(n int) Option {
	return func(s *Spine) { s.maxConsecutiveBackendFailures = n }
}

// WithEnqueueFailureMode sets the policy applied when an organ-emitted
// event cannot be enqueued.
func WithEnqueueFailureMode(m EnqueueFailureMode) Option {
	return func(s *Spine) { s.enqueueFailureMode = m }
}

// WithHandlerFailureMode sets the acknowledgment policy applied once all
// organs matching a dispatched event have run.
func WithHandlerFailureMode(m HandlerFailureMode) Option {
	return func(s *Spine) { s.handlerFailureMode = m }
}

// WithFailedEventStore supplies the dead-letter sink used by
// EnqueueStore and HandlerStore. If omitted, a default-sized dlq.Store is
// created.
func WithFailedEventStore(store *dlq.Store) Option {
	return func(s *Spine) { s.failedEvents = store }
}

// WithStartEvent enqueues evt before the main loop begins.
func WithStartEvent(evt *event.Event) Option {
	return func(s *Spine) { s.startEvent = evt }
}

// WithLogger supplies a structured logger; a no-op logger is used if
// omitted.
func WithLogger(l *zap.Logger) Option { return func(s *Spine) { s.log = l } }

// Spine is the single-writer dispatch loop: pull, route, invoke, enqueue,
// acknowledge.
type Spine struct {
	backend backend.Backend
	routes  map[string][]organ.Organ
	organs  []organ.Organ

	maxSteps                      int
	retryAttempts                 int
	retryBaseDelay                time.Duration
	handlerTimeout                time.Duration
	maxConsecutiveBackendFailures int
	enqueueFailureMode            EnqueueFailureMode
	handlerFailureMode            HandlerFailureMode

	failedEvents   *dlq.Store
	lastDLQDropped int
	startEvent     *event.Event
	log            *zap.Logger

	mu      sync.Mutex
	running bool
	stats   Stats
}

// New constructs a Spine over the given backend and organs. Each organ's
// ListensTo must return at least one non-blank event type.
func New(be backend.Backend, organs []organ.Organ, opts ...Option) (*Spine, error) {
	routes := make(map[string][]organ.Organ)
	for _, o := range organs {
		types := o.ListensTo()
		if len(types) == 0 {
			return nil, &OrganValidationError{Organ: o.Name(), Reason: "listens_to must not be empty"}
		}
		for _, t := range types {
			if t == "" {
				return nil, &OrganValidationError{Organ: o.Name(), Reason: "listens_to must not contain a blank event type"}
			}
			routes[t] = append(routes[t], o)
		}
	}

	s := &Spine{
		backend:                       be,
		routes:                        routes,
		organs:                        organs,
		maxSteps:                      defaultMaxSteps,
		retryAttempts:                 defaultRetryAttempts,
		retryBaseDelay:                defaultRetryBaseDelay,
		handlerTimeout:                defaultHandlerTimeout,
		maxConsecutiveBackendFailures: defaultMaxConsecutiveBackendFailures,
		log:                           zap.NewNop(),
		stats:                         newStats(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.failedEvents == nil {
		s.failedEvents = dlq.New(dlq.DefaultMaxSize)
	}
	return s, nil
}

// FailedEvents returns the dead-letter store backing EnqueueStore and
// HandlerStore.
func (s *Spine) FailedEvents() *dlq.Store { return s.failedEvents }

// Stop cooperatively ends the main loop after the in-flight event
// finishes; it does not abort the handler currently running.
func (s *Spine) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// GetStats returns a snapshot copy of the statistics accumulated so far.
func (s *Spine) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.clone()
}

// Run executes the main dispatch loop until Stop is called, max_steps is
// exceeded, or the circuit breaker or an unrecoverable enqueue failure
// terminates it. ctx bounds handler invocations and backend calls; it
// does not itself stop the loop (use Stop for cooperative shutdown).
func (s *Spine) Run(ctx context.Context) (Stats, error) {
	if s.startEvent != nil {
		if err := s.backend.Enqueue(ctx, s.startEvent); err != nil {
			return s.GetStats(), fmt.Errorf("spine: enqueue start event: %w", err)
		}
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	consecutiveFailures := 0
	var lastPullErr error

	for {
		s.mu.Lock()
		running := s.running
		processed := s.stats.EventsProcessed
		s.mu.Unlock()
		if !running {
			return s.GetStats(), nil
		}
		if int(processed) >= s.maxSteps {
			return s.GetStats(), &MaxStepsExceededError{MaxSteps: s.maxSteps}
		}
		if consecutiveFailures >= s.maxConsecutiveBackendFailures {
			return s.GetStats(), &BackendUnavailableError{FailureCount: consecutiveFailures, LastError: lastPullErr}
		}

		pullCtx, pullSpan := obs.StartPullSpan(ctx)
		evt, err := s.backend.Pull(pullCtx, pullTimeout)
		if err != nil {
			obs.RecordError(pullCtx, err)
			pullSpan.End()
			consecutiveFailures++
			lastPullErr = err
			s.mu.Lock()
			s.stats.BackendErrors++
			s.mu.Unlock()
			obs.BackendErrors.Inc()
			s.log.Warn("backend pull failed", zap.Error(err), zap.Int("consecutive_failures", consecutiveFailures))
			continue
		}
		obs.SetSpanSuccess(pullCtx)
		pullSpan.End()
		consecutiveFailures = 0
		if evt == nil {
			continue
		}

		s.mu.Lock()
		s.stats.EventsProcessed++
		s.mu.Unlock()
		obs.EventsProcessed.Inc()

		if err := s.dispatch(ctx, evt); err != nil {
			return s.GetStats(), err
		}
	}
}

// dispatch routes evt to every matching organ in registration order,
// enqueues whatever they emit, and resolves acknowledgment.
func (s *Spine) dispatch(ctx context.Context, evt *event.Event) error {
	start := time.Now()
	defer func() { obs.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := obs.ContextWithDispatchSpan(ctx, evt)
	defer span.End()

	matching := s.routes[evt.Type()]

	handlerFailed := false
	var lastErr error

	for _, o := range matching {
		s.log.Debug("dispatch", zap.String("event_id", evt.ID()), zap.String("event_type", evt.Type()), zap.String("organ", o.Name()))

		result, err := s.invoke(ctx, o, evt)
		if err != nil {
			handlerFailed = true
			lastErr = err
			s.mu.Lock()
			s.stats.HandlerErrors[o.Name()]++
			s.mu.Unlock()
			obs.HandlerErrors.WithLabelValues(o.Name()).Inc()
			s.log.Error("organ failed", zap.String("organ", o.Name()), zap.Error(err))
			continue
		}

		for _, emitted := range result.Events() {
			if err := s.enqueueWithPolicy(ctx, emitted); err != nil {
				obs.RecordError(ctx, err)
				return err
			}
			s.mu.Lock()
			s.stats.EventsEmitted++
			s.mu.Unlock()
			obs.EventsEmitted.Inc()
		}
	}

	if handlerFailed {
		obs.RecordError(ctx, lastErr)
	} else {
		obs.SetSpanSuccess(ctx)
	}
	return s.resolveAck(ctx, evt, handlerFailed, lastErr)
}

// invokeOutcome carries an organ invocation's result across the channel
// in invoke, so the goroutine never touches invoke's own return values
// after a timeout has already caused it to return.
type invokeOutcome struct {
	result organ.Result
	err    error
}

// invoke calls the organ's Handle under a handler_timeout deadline and
// converts a panic or a timeout into a HandlerError rather than crashing
// the loop or leaking a goroutine writing into already-returned state.
func (s *Spine) invoke(ctx context.Context, o organ.Organ, evt *event.Event) (organ.Result, error) {
	hctx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
	defer cancel()

	outcome := make(chan invokeOutcome, 1)
	go func() {
		var out invokeOutcome
		defer func() {
			if r := recover(); r != nil {
				out = invokeOutcome{err: &HandlerError{Organ: o.Name(), Reason: "panic", Err: fmt.Errorf("%v", r)}}
			}
			outcome <- out
		}()
		result, err := o.Handle(hctx, evt)
		out = invokeOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcome:
		if out.err != nil {
			if _, ok := out.err.(*HandlerError); !ok {
				out.err = &HandlerError{Organ: o.Name(), Reason: "returned error", Err: out.err}
			}
		}
		return out.result, out.err
	case <-hctx.Done():
		return organ.Result{}, &HandlerError{Organ: o.Name(), Reason: "timeout", Err: hctx.Err()}
	}
}

// enqueueWithPolicy enqueues emitted, applying the configured
// EnqueueFailureMode if the backend rejects it.
func (s *Spine) enqueueWithPolicy(ctx context.Context, emitted *event.Event) error {
	spanCtx, span := obs.StartEnqueueSpan(ctx, emitted.Type())
	err := s.backend.Enqueue(spanCtx, emitted)
	if err == nil {
		obs.SetSpanSuccess(spanCtx)
		span.End()
		return nil
	}
	obs.RecordError(spanCtx, err)
	span.End()

	s.mu.Lock()
	s.stats.EnqueueFailures[emitted.Type()]++
	s.mu.Unlock()
	obs.EnqueueFailures.WithLabelValues(emitted.Type()).Inc()

	switch s.enqueueFailureMode {
	case EnqueueRetry:
		delay := s.retryBaseDelay
		for attempt := 0; attempt < s.retryAttempts; attempt++ {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &EnqueueError{EventType: emitted.Type(), Err: ctx.Err()}
			case <-timer.C:
			}
			if retryErr := s.backend.Enqueue(ctx, emitted); retryErr == nil {
				s.log.Info("enqueue retry succeeded", zap.String("event_type", emitted.Type()), zap.Int("attempt", attempt+1))
				return nil
			}
			delay *= 2
		}
		return &EnqueueError{EventType: emitted.Type(), Err: err}

	case EnqueueStore:
		s.storeFailedEvent(emitted, err.Error())
		return nil

	default: // EnqueueFail
		return &EnqueueError{EventType: emitted.Type(), Err: err}
	}
}

// resolveAck applies the configured HandlerFailureMode once every organ
// matching evt has run.
func (s *Spine) resolveAck(ctx context.Context, evt *event.Event, handlerFailed bool, lastErr error) error {
	if !handlerFailed {
		s.ack(ctx, evt)
		return nil
	}

	switch s.handlerFailureMode {
	case HandlerStore:
		reason := "handler failed"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		s.storeFailedEvent(evt, reason)
		s.ack(ctx, evt)
	case HandlerNack:
		if nackable, ok := s.backend.(backend.NackableBackend); ok {
			reason := "handler failed"
			if lastErr != nil {
				reason = lastErr.Error()
			}
			if err := nackable.Nack(ctx, evt, reason); err != nil {
				s.log.Error("nack failed", zap.String("event_id", evt.ID()), zap.Error(err))
			}
		}
		// Backend without Nack support simply leaves the event un-acked;
		// its own redelivery rules (or lack of pending-state tracking)
		// determine what happens next.
	default: // HandlerLog
		s.ack(ctx, evt)
	}

	return nil
}

// ack acknowledges evt, recording an ack error as a statistic rather than
// a terminal failure: acknowledgment failures never count toward the
// circuit breaker's consecutive-pull-failure threshold.
func (s *Spine) ack(ctx context.Context, evt *event.Event) {
	if err := s.backend.Ack(ctx, evt); err != nil {
		s.mu.Lock()
		s.stats.AckErrors++
		s.mu.Unlock()
		obs.AckErrors.Inc()
		s.log.Error("ack failed", zap.String("event_id", evt.ID()), zap.Error(err))
	}
}

// storeFailedEvent records evt to the failed-event store and refreshes
// the DLQ depth/dropped gauges from the store's own counters.
func (s *Spine) storeFailedEvent(evt *event.Event, reason string) {
	s.failedEvents.Add(evt, reason)
	obs.DLQDepth.Set(float64(s.failedEvents.Len()))

	s.mu.Lock()
	delta := s.failedEvents.DroppedCount() - s.lastDLQDropped
	s.lastDLQDropped = s.failedEvents.DroppedCount()
	s.mu.Unlock()
	if delta > 0 {
		obs.DLQDropped.Add(float64(delta))
	}
}
