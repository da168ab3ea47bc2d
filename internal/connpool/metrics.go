package connpool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type cacheMetrics struct {
	lookups   metric.Int64Counter
	evictions metric.Int64Counter
	size      metric.Int64ObservableGauge
}

func newCacheMetrics(logger pslog.Logger, c *Cache) *cacheMetrics {
	meter := otel.Meter("pkt.systems/bridged/connpool")
	m := &cacheMetrics{}
	var err error

	m.lookups, err = meter.Int64Counter("bridged.connpool.lookups",
		metric.WithDescription("Connection cache lookups by result"))
	logMetricInitError(logger, "bridged.connpool.lookups", err)

	m.evictions, err = meter.Int64Counter("bridged.connpool.evictions",
		metric.WithDescription("Connection cache evictions by reason"))
	logMetricInitError(logger, "bridged.connpool.evictions", err)

	m.size, err = meter.Int64ObservableGauge("bridged.connpool.size",
		metric.WithDescription("Cached connections"))
	logMetricInitError(logger, "bridged.connpool.size", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(m.size, int64(c.Stats().Size))
		return nil
	}, m.size); err != nil {
		logMetricInitError(logger, "bridged.connpool.callback", err)
	}
	return m
}

func (m *cacheMetrics) lookup(ctx context.Context, hit bool) {
	if m == nil || m.lookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *cacheMetrics) eviction(ctx context.Context, reason string) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
