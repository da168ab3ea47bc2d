package maintenance

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type loopMetrics struct {
	runs     metric.Int64Counter
	duration metric.Int64Histogram
}

func newLoopMetrics(logger pslog.Logger) *loopMetrics {
	meter := otel.Meter("pkt.systems/bridged/maintenance")
	m := &loopMetrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"bridged.maintenance.runs",
		metric.WithDescription("Maintenance task runs by task and result"),
	)
	logMetricInitError(logger, "bridged.maintenance.runs", err)

	m.duration, err = meter.Int64Histogram(
		"bridged.maintenance.duration_ms",
		metric.WithDescription("Maintenance task duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "bridged.maintenance.duration_ms", err)
	return m
}

func (m *loopMetrics) record(ctx context.Context, task string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(attribute.String("task", task), attribute.String("result", result))
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), metric.WithAttributes(attribute.String("task", task)))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
