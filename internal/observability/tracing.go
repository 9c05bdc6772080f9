package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InstallTracing registers a tracer provider that writes finished spans to the
// default slog logger at debug level. It returns the provider's shutdown.
func InstallTracing() func(context.Context) error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(slogExporter{}))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

type slogExporter struct{}

func (slogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			slog.String("span", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("status", s.Status().Code.String()),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
		}
		slog.DebugContext(ctx, "span finished", attrs...)
	}
	return nil
}

func (slogExporter) Shutdown(context.Context) error { return nil }
