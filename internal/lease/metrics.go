package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type leaseMetrics struct {
	acquireCount    metric.Int64Counter
	acquireDuration metric.Int64Histogram
	releaseCount    metric.Int64Counter
	activeGauge     metric.Int64ObservableGauge
	active          atomic.Int64
}

func newLeaseMetrics(logger pslog.Logger) *leaseMetrics {
	meter := otel.Meter("github.com/hmcts/bulk-scan-processor-sub002/lease")
	m := &leaseMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"bulkscan.lease.acquire",
		metric.WithDescription("Blob lease admissions"),
	)
	logMetricInitError(logger, "bulkscan.lease.acquire", err)

	m.acquireDuration, err = meter.Int64Histogram(
		"bulkscan.lease.acquire.duration_ms",
		metric.WithDescription("Lease acquire and watermark duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "bulkscan.lease.acquire.duration_ms", err)

	m.releaseCount, err = meter.Int64Counter(
		"bulkscan.lease.release",
		metric.WithDescription("Blob lease releases"),
	)
	logMetricInitError(logger, "bulkscan.lease.release", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"bulkscan.lease.active",
		metric.WithDescription("Leases held by this worker"),
	)
	logMetricInitError(logger, "bulkscan.lease.active", err)

	if m.activeGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeGauge, m.active.Load())
			return nil
		}, m.activeGauge); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "bulkscan.lease.active", "error", err)
		}
	}
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *leaseMetrics) addActive(delta int64) {
	if m == nil {
		return
	}
	m.active.Add(delta)
}

func (m *leaseMetrics) recordAcquire(ctx context.Context, container string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("bulkscan.container", container),
		attribute.String("bulkscan.lease.result", resultLabel(err)),
	)
	if m.acquireCount != nil {
		m.acquireCount.Add(ctx, 1, attrs)
	}
	if m.acquireDuration != nil {
		m.acquireDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *leaseMetrics) recordRelease(ctx context.Context, container string, err error) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bulkscan.container", container),
		attribute.String("bulkscan.lease.result", resultLabel(err)),
	))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAlreadyLeased):
		return "already_leased"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	default:
		return "error"
	}
}
