package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName is the instrumentation scope for spans started by this package.
const scopeName = "github.com/parleyio/parley/internal/observe"

// Tracer returns the tracer parley starts its spans on, resolved from the
// globally installed provider so [InitProvider] and tests can swap it.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan opens a span for one named operation ("session.connect", an HTTP
// route) and returns the derived context. The caller ends the span; hand the
// context to [Logger] so the log lines inside the operation carry its IDs.
func StartSpan(ctx context.Context, op string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, op, opts...)
}

// Logger returns the default logger bound to the span in ctx: trace_id and
// span_id ride along as attributes, which is how one conversation's log
// lines are grepped back together. Without a span it is just [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
