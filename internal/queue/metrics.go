package queue

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type queueMetrics struct {
	operations    metric.Int64Counter
	deliveryCount metric.Int64Histogram
	deadLetters   metric.Int64Counter
}

func newQueueMetrics(logger pslog.Logger) *queueMetrics {
	meter := otel.Meter("github.com/hmcts/bulk-scan-processor-sub002/queue")
	m := &queueMetrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"bulkscan.queue.operations",
		metric.WithDescription("Queue operations by kind and result"),
	)
	logMetricInitError(logger, "bulkscan.queue.operations", err)

	m.deliveryCount, err = meter.Int64Histogram(
		"bulkscan.queue.delivery_count",
		metric.WithDescription("Delivery attempt number of received messages"),
	)
	logMetricInitError(logger, "bulkscan.queue.delivery_count", err)

	m.deadLetters, err = meter.Int64Counter(
		"bulkscan.queue.dead_letters",
		metric.WithDescription("Messages moved to the dead-letter area"),
	)
	logMetricInitError(logger, "bulkscan.queue.dead_letters", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *queueMetrics) recordOp(ctx context.Context, queue, op string, err error) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bulkscan.queue", queue),
		attribute.String("bulkscan.queue.op", op),
		attribute.String("bulkscan.queue.result", opResult(err)),
	))
}

func (m *queueMetrics) recordDelivery(ctx context.Context, queue string, count int) {
	if m == nil || m.deliveryCount == nil {
		return
	}
	m.deliveryCount.Record(ctx, int64(count), metric.WithAttributes(attribute.String("bulkscan.queue", queue)))
}

func (m *queueMetrics) recordDeadLetter(ctx context.Context, queue, reason string) {
	if m == nil || m.deadLetters == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bulkscan.queue", queue),
		attribute.String("bulkscan.queue.reason", reason),
	))
}

func opResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrEmpty):
		return "empty"
	case errors.Is(err, ErrLockLost):
		return "lock_lost"
	default:
		return "error"
	}
}
