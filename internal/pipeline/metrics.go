package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type pipelineMetrics struct {
	blobs    metric.Int64Counter
	duration metric.Int64Histogram
	passes   metric.Int64Counter
}

func newPipelineMetrics(logger pslog.Logger) *pipelineMetrics {
	meter := otel.Meter("github.com/hmcts/bulk-scan-processor-sub002/pipeline")
	m := &pipelineMetrics{}
	var err error

	m.blobs, err = meter.Int64Counter(
		"bulkscan.intake.blobs",
		metric.WithDescription("Zip blobs handled by outcome"),
	)
	logMetricInitError(logger, "bulkscan.intake.blobs", err)

	m.duration, err = meter.Int64Histogram(
		"bulkscan.intake.duration_ms",
		metric.WithDescription("Time spent on one zip blob"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "bulkscan.intake.duration_ms", err)

	m.passes, err = meter.Int64Counter(
		"bulkscan.intake.passes",
		metric.WithDescription("Completed poll passes over the configured containers"),
	)
	logMetricInitError(logger, "bulkscan.intake.passes", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *pipelineMetrics) record(ctx context.Context, container string, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("bulkscan.container", container),
		attribute.String("bulkscan.intake.outcome", string(outcome)),
	)
	if m.blobs != nil {
		m.blobs.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *pipelineMetrics) recordPass(ctx context.Context) {
	if m == nil || m.passes == nil {
		return
	}
	m.passes.Add(ctx, 1)
}
