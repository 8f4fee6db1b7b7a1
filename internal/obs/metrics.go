// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Total number of events pulled and dispatched",
	})
	EventsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_emitted_total",
		Help: "Total number of follow-up events emitted by organs and enqueued",
	})
	EnqueueFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enqueue_failures_total",
		Help: "Total number of enqueue failures, by event type",
	}, []string{"event_type"})
	HandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handler_errors_total",
		Help: "Total number of organ invocation failures, by organ name",
	}, []string{"organ"})
	BackendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backend_errors_total",
		Help: "Total number of backend pull failures",
	})
	AckErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ack_errors_total",
		Help: "Total number of acknowledge failures",
	})
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Histogram of per-event dispatch durations, pull to acknowledge",
		Buckets: prometheus.DefBuckets,
	})
	DLQDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlq_depth",
		Help: "Current number of entries held in the failed-event store",
	})
	DLQDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlq_dropped_total",
		Help: "Total number of dead-lettered events evicted because the store was full",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a backend's transport circuit breaker transitioned to Open",
	})
	PendingRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pending_recovered_total",
		Help: "Total number of streams-backend messages reclaimed from the consumer group's pending set",
	})
	StreamBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_backlog",
		Help: "Sampled length of the streams backend's main stream (XLEN)",
	})
)

func init() {
	prometheus.MustRegister(
		EventsProcessed, EventsEmitted, EnqueueFailures, HandlerErrors,
		BackendErrors, AckErrors, DispatchDuration, DLQDepth, DLQDropped,
		CircuitBreakerState, CircuitBreakerTrips, PendingRecovered, StreamBacklog,
	)
}
