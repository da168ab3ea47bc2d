package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type dispatchMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func newDispatchMetrics(logger pslog.Logger) *dispatchMetrics {
	meter := otel.Meter("pkt.systems/bridged/dispatch")
	m := &dispatchMetrics{}
	var err error

	m.calls, err = meter.Int64Counter("bridged.dispatch.calls",
		metric.WithDescription("Dispatched calls by module, function and outcome"))
	logMetricInitError(logger, "bridged.dispatch.calls", err)

	m.duration, err = meter.Float64Histogram("bridged.dispatch.duration",
		metric.WithDescription("Handler wall time"),
		metric.WithUnit("ms"))
	logMetricInitError(logger, "bridged.dispatch.duration", err)
	return m
}

func (m *dispatchMetrics) record(ctx context.Context, module, function, outcome string, millis float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("function", function),
		attribute.String("outcome", outcome),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, millis, attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
