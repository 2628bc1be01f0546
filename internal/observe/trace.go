package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/MrWong99/duplexvoice"

// StartSpan starts a span on the globally registered tracer provider. The
// caller must end the span, usually through [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationScope).Start(ctx, name, opts...)
}

// EndSpan records err on span, when non-nil, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace ID of the span in ctx, or "" when ctx holds no
// valid span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// ForContext returns a copy of d whose logger carries the trace_id and
// span_id of the span in ctx. Without a span d is returned unchanged.
func (d Diagnostics) ForContext(ctx context.Context) Diagnostics {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return d.orDefault()
	}
	return d.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// StartSpan starts a "session.<op>" span tagged with the scope's session ID.
func (s *SessionScope) StartSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("session.id", s.id)),
	)
}
