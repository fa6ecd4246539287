package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const collectionName = "conversations"

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_agent",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chat_agent",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"operation"},
	)
	conflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat_agent",
			Subsystem: "store",
			Name:      "conflict_retries_total",
			Help:      "Thread updates retried after an ETag mismatch.",
		},
	)
)

var tracer = otel.Tracer("contoso.com/enterprise-chat-agent/internal/store")

// observe opens a span for one store operation and returns the function that
// closes it and records metrics.
func observe(ctx context.Context, operation, partitionKey string) (context.Context, func(err *error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "store."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.collection", collectionName),
			attribute.String("db.partition_key", partitionKey),
		),
	)

	return ctx, func(err *error) {
		outcome := "ok"
		if err != nil && *err != nil {
			outcome = "error"
			span.RecordError(*err)
			span.SetStatus(codes.Error, (*err).Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		operationsTotal.WithLabelValues(operation, outcome).Inc()
		operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
