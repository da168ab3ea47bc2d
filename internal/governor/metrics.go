package governor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type governorMetrics struct {
	requests   metric.Int64Counter
	rejected   metric.Int64Counter
	violations metric.Int64Counter
	throttles  metric.Int64Counter

	rss         metric.Int64ObservableGauge
	cpu         metric.Float64ObservableGauge
	concurrent  metric.Int64ObservableGauge
	connections metric.Int64ObservableGauge
	rate        metric.Int64ObservableGauge
}

func newGovernorMetrics(logger pslog.Logger, g *Governor) *governorMetrics {
	meter := otel.Meter("pkt.systems/bridged/governor")
	m := &governorMetrics{}
	var err error

	m.requests, err = meter.Int64Counter("bridged.governor.requests",
		metric.WithDescription("Requests admitted to dispatch"))
	logMetricInitError(logger, "bridged.governor.requests", err)

	m.rejected, err = meter.Int64Counter("bridged.governor.rejected",
		metric.WithDescription("Requests rejected before dispatch"))
	logMetricInitError(logger, "bridged.governor.rejected", err)

	m.violations, err = meter.Int64Counter("bridged.governor.violations",
		metric.WithDescription("Hard limit violations by category"))
	logMetricInitError(logger, "bridged.governor.violations", err)

	m.throttles, err = meter.Int64Counter("bridged.governor.throttles",
		metric.WithDescription("Admission delays applied by the listener"))
	logMetricInitError(logger, "bridged.governor.throttles", err)

	m.rss, err = meter.Int64ObservableGauge("bridged.governor.rss",
		metric.WithDescription("Resident set size of the daemon"),
		metric.WithUnit("By"))
	logMetricInitError(logger, "bridged.governor.rss", err)

	m.cpu, err = meter.Float64ObservableGauge("bridged.governor.cpu.percent",
		metric.WithDescription("CPU percent consumed by the daemon"))
	logMetricInitError(logger, "bridged.governor.cpu.percent", err)

	m.concurrent, err = meter.Int64ObservableGauge("bridged.governor.concurrent",
		metric.WithDescription("Requests currently dispatched"))
	logMetricInitError(logger, "bridged.governor.concurrent", err)

	m.connections, err = meter.Int64ObservableGauge("bridged.governor.connections",
		metric.WithDescription("Live client connections"))
	logMetricInitError(logger, "bridged.governor.connections", err)

	m.rate, err = meter.Int64ObservableGauge("bridged.governor.requests_last_minute",
		metric.WithDescription("Requests seen in the trailing 60s window"))
	logMetricInitError(logger, "bridged.governor.requests_last_minute", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snap := g.Snapshot()
		o.ObserveInt64(m.rss, int64(snap.RSSBytes))
		o.ObserveFloat64(m.cpu, snap.CPUPercent)
		o.ObserveInt64(m.concurrent, snap.Concurrent)
		o.ObserveInt64(m.connections, snap.Connections)
		o.ObserveInt64(m.rate, int64(snap.RequestsLastMinute))
		return nil
	}, m.rss, m.cpu, m.concurrent, m.connections, m.rate); err != nil {
		logMetricInitError(logger, "bridged.governor.callback", err)
	}
	return m
}

func (m *governorMetrics) recordRequest() {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(context.Background(), 1)
}

func (m *governorMetrics) recordRejected(reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *governorMetrics) recordViolation(c Category) {
	if m == nil || m.violations == nil {
		return
	}
	m.violations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("category", string(c))))
}

func (m *governorMetrics) recordThrottle(reason string) {
	if m == nil || m.throttles == nil {
		return
	}
	m.throttles.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
