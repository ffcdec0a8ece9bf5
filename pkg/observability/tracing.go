package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOption configures a span
type SpanOption func(trace.Span)

// WithAttributes adds attributes to a span
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// StartSpan starts a new span with the given name and options
// Returns the span and a context containing the span
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)

	for _, opt := range opts {
		opt(span)
	}

	return ctx, span
}

// EndSpan ends a span, optionally recording an error
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// Common attribute keys for the daemon
var (
	// Shard attributes
	AttrDatabase = attribute.Key("eventdaemon.database")
	AttrShard    = attribute.Key("eventdaemon.shard")
	AttrFloor    = attribute.Key("eventdaemon.floor")
	AttrCeiling  = attribute.Key("eventdaemon.ceiling")

	AttrEventCount = attribute.Key("event.count")
	AttrErrorType  = attribute.Key("error.type")
)

// BatchAttrs returns the attributes of one shard batch.
func BatchAttrs(database, shard string, floor, ceiling int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDatabase.String(database),
		AttrShard.String(shard),
		AttrFloor.Int64(floor),
		AttrCeiling.Int64(ceiling),
	}
}
