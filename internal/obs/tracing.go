// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/flyingrobots/spine/internal/config"
	"github.com/flyingrobots/spine/internal/event"
)

// MaybeInitTracing optionally initializes a global tracer provider with
// sampling and propagation. It returns (nil, nil) when tracing is disabled
// or no endpoint is configured.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	tc := cfg.Observability.Tracing
	if !tc.Enabled || tc.Endpoint == "" {
		return nil, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("spine"),
		semconv.ServiceVersionKey.String("1.0.0"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", tc.Environment),
	)

	sampler := sdktrace.TraceIDRatioBased(tc.SamplingRate)
	if tc.SamplingRate >= 1 {
		sampler = sdktrace.AlwaysSample()
	} else if tc.SamplingRate <= 0 {
		sampler = sdktrace.NeverSample()
	}

	batcherOpts := []sdktrace.BatchSpanProcessorOption{}
	if tc.BatchTimeout > 0 {
		batcherOpts = append(batcherOpts, sdktrace.WithBatchTimeout(tc.BatchTimeout))
	}
	if tc.MaxExportBatchSize > 0 {
		batcherOpts = append(batcherOpts, sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batcherOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// ContextWithDispatchSpan starts a span for routing+invoking every organ
// matching evt.
func ContextWithDispatchSpan(ctx context.Context, evt *event.Event) (context.Context, trace.Span) {
	tracer := otel.Tracer("spine")
	return tracer.Start(ctx, "spine.dispatch",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID()),
			attribute.String("event.type", evt.Type()),
		),
	)
}

// StartEnqueueSpan creates a span for enqueueing an event.
func StartEnqueueSpan(ctx context.Context, eventType string) (context.Context, trace.Span) {
	tracer := otel.Tracer("spine")
	return tracer.Start(ctx, "backend.enqueue",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("backend.operation", "enqueue"),
		),
	)
}

// StartPullSpan creates a span for pulling an event from the backend.
func StartPullSpan(ctx context.Context) (context.Context, trace.Span) {
	tracer := otel.Tracer("spine")
	return tracer.Start(ctx, "backend.pull",
		trace.WithAttributes(attribute.String("backend.operation", "pull")),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// ExtractTraceContext extracts trace context from a map (for wire
// propagation alongside an event's payload).
func ExtractTraceContext(ctx context.Context, carrier map[string]string) context.Context {
	prop := otel.GetTextMapPropagator()
	return prop.Extract(ctx, propagation.MapCarrier(carrier))
}

// InjectTraceContext injects trace context into a map (for wire
// propagation alongside an event's payload).
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := make(map[string]string)
	prop := otel.GetTextMapPropagator()
	prop.Inject(ctx, propagation.MapCarrier(carrier))
	return carrier
}

// GetTraceAndSpanID extracts the current trace and span IDs from context.
func GetTraceAndSpanID(ctx context.Context) (traceID string, spanID string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		sc := span.SpanContext()
		if sc.IsValid() {
			return sc.TraceID().String(), sc.SpanID().String()
		}
	}
	return "", ""
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// AddSpanAttributes adds attributes to the current span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
