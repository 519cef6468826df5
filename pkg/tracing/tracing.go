package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "zuul/scheduler"

// Tracer returns the scheduler tracer
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSavedSpan starts a span and returns its serialized context so it can
// be persisted alongside the object it describes and ended later, possibly
// by a different scheduler.
func StartSavedSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, map[string]string) {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(trace.ContextWithSpan(ctx, span), carrier)
	span.End()
	return ctx, carrier
}

// RestoreSpanContext rebuilds a context from a serialized span carrier. The
// zero carrier yields the parent context unchanged.
func RestoreSpanContext(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier(carrier))
}

// EndSavedSpan emits a completed span linked to a saved span context. Used
// when a result event closes out work started by another process.
func EndSavedSpan(ctx context.Context, carrier map[string]string, name string, attrs ...attribute.KeyValue) {
	ctx = RestoreSpanContext(ctx, carrier)
	_, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	span.End()
}
