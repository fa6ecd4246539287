package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const ServiceName = "enterprise-chat-agent"

// maxAttrLen drops attribute values longer than this from span log records.
const maxAttrLen = 256

// loggingSpanProcessor writes one debug record per finished span.
type loggingSpanProcessor struct {
	logger *slog.Logger
}

var _ sdktrace.SpanProcessor = (*loggingSpanProcessor)(nil)

func (l *loggingSpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {}

func (l *loggingSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	l.logger.Debug("span end", l.buildArgs(s)...)
}

func (l *loggingSpanProcessor) Shutdown(ctx context.Context) error {
	return nil
}

func (l *loggingSpanProcessor) ForceFlush(ctx context.Context) error {
	return nil
}

func (l *loggingSpanProcessor) buildArgs(s sdktrace.ReadOnlySpan) []any {
	args := []any{
		slog.String("name", s.Name()),
		slog.String("trace_id", s.SpanContext().TraceID().String()),
		slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
		slog.String("status", s.Status().Code.String()),
	}
	for _, attr := range s.Attributes() {
		value := attr.Value.Emit()
		if len(value) > maxAttrLen {
			continue
		}
		args = append(args, slog.String(string(attr.Key), value))
	}
	return args
}

// NewTracerProvider builds a provider whose spans are reported through logger.
func NewTracerProvider(logger *slog.Logger, version string) *sdktrace.TracerProvider {
	res := sdkresource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	)
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(&loggingSpanProcessor{logger: logger}),
	)
}

// Setup installs the global tracer provider when enabled. The returned function
// flushes and stops it; with tracing disabled it does nothing.
func Setup(enabled bool, logger *slog.Logger, version string) func(context.Context) error {
	if !enabled {
		return func(context.Context) error { return nil }
	}
	tp := NewTracerProvider(logger, version)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "service", ServiceName)
	return tp.Shutdown
}
