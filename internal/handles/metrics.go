package handles

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/records"
)

type storeMetrics struct {
	restores metric.Int64Counter
	live     metric.Int64ObservableGauge
}

func newStoreMetrics(logger pslog.Logger, s *Store) *storeMetrics {
	meter := otel.Meter("pkt.systems/bridged/handles")
	m := &storeMetrics{}
	var err error

	m.restores, err = meter.Int64Counter("bridged.handles.restores",
		metric.WithDescription("Handle restorations by kind and outcome"))
	logMetricInitError(logger, "bridged.handles.restores", err)

	m.live, err = meter.Int64ObservableGauge("bridged.handles.live",
		metric.WithDescription("Live handles held in memory"))
	logMetricInitError(logger, "bridged.handles.live", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stats := s.Stats()
		o.ObserveInt64(m.live, int64(stats.Connections), metric.WithAttributes(attribute.String("kind", string(records.KindConnection))))
		o.ObserveInt64(m.live, int64(stats.Statements), metric.WithAttributes(attribute.String("kind", string(records.KindStatement))))
		return nil
	}, m.live); err != nil {
		logMetricInitError(logger, "bridged.handles.callback", err)
	}
	return m
}

func (m *storeMetrics) restore(ctx context.Context, kind records.Kind, outcome string) {
	if m == nil || m.restores == nil {
		return
	}
	m.restores.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
