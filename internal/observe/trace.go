package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// scope names the instrumentation library on every span parley emits.
const scope = "github.com/MrWong99/parley"

// Tracer returns parley's tracer from the global provider. Resolving it on
// each call keeps spans flowing to whatever provider [InitProvider] or a test
// installed last.
func Tracer() trace.Tracer {
	return otel.Tracer(scope)
}

// StartSpan starts a span named name as a child of the span in ctx, if any.
// End the returned span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurnSpan starts the span covering one turn, from accepting the
// utterance to finishing or abandoning its reply.
func StartTurnSpan(ctx context.Context, turn uint64, mode string) (context.Context, trace.Span) {
	return StartSpan(ctx, "turn", trace.WithAttributes(
		attribute.Int64("parley.turn", int64(turn)),
		attribute.String("parley.mode", mode),
	))
}

// CorrelationID returns the hex trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id attached when
// ctx carries a span. Log lines of one turn can then be joined to its trace.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
