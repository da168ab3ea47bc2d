package dispatch

import (
	"context"
	"os"
	"runtime"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/registry"
	"pkt.systems/bridged/internal/version"
)

// recentEvents is how many security events system.metrics reports.
const recentEvents = 10

func (d *Dispatcher) adminHandlers() map[string]map[string]registry.Handler {
	return map[string]map[string]registry.Handler{
		ModuleTest: {
			"ping":   d.testPing,
			"health": d.testHealth,
			"stats":  d.testStats,
			"echo":   d.testEcho,
		},
		ModuleSystem: {
			"info":        d.systemInfo,
			"health":      d.systemHealth,
			"performance": d.systemPerformance,
			"connections": d.systemConnections,
			"cleanup":     d.systemCleanup,
			"metrics":     d.systemMetrics,
			"shutdown":    d.systemShutdown,
		},
	}
}

func (d *Dispatcher) stats() map[string]any {
	snap := d.cfg.Governor.Snapshot()
	out := map[string]any{
		"requests_processed": snap.TotalRequests,
		"requests_failed":    snap.FailedRequests,
		"requests_rejected":  snap.RejectedRequests,
		"start_time":         d.started,
		"uptime_seconds":     d.Uptime().Seconds(),
	}
	if last := d.LastCleanup(); !last.IsZero() {
		out["last_cleanup"] = last
	}
	return out
}

func (d *Dispatcher) testPing(_ context.Context, args registry.Args) (any, error) {
	return map[string]any{
		"message":        "pong",
		"daemon_version": version.Current(),
		"go_version":     version.GoVersion(),
		"platform":       runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":         d.Uptime().Seconds(),
		"stats":          d.stats(),
		"input":          args.Raw(),
	}, nil
}

func (d *Dispatcher) testHealth(_ context.Context, _ registry.Args) (any, error) {
	status, issues := d.cfg.Governor.Health()
	snap := d.cfg.Governor.Snapshot()
	return map[string]any{
		"status":             status,
		"issues":             issues,
		"daemon_version":     version.Current(),
		"uptime":             d.Uptime().Seconds(),
		"active_connections": snap.Connections,
		"loaded_modules":     d.Modules(),
		"stats":              d.stats(),
	}, nil
}

func (d *Dispatcher) testStats(context.Context, registry.Args) (any, error) {
	return d.stats(), nil
}

func (d *Dispatcher) testEcho(_ context.Context, args registry.Args) (any, error) {
	return args.Raw(), nil
}

func (d *Dispatcher) systemInfo(context.Context, registry.Args) (any, error) {
	exe, _ := os.Executable()
	wd, _ := os.Getwd()
	return map[string]any{
		"daemon_version":    version.Current(),
		"module":            version.Module(),
		"go_version":        version.GoVersion(),
		"executable":        exe,
		"pid":               os.Getpid(),
		"platform":          runtime.GOOS + "/" + runtime.GOARCH,
		"working_directory": wd,
		"endpoint":          d.cfg.Endpoint,
		"uptime":            d.Uptime().Seconds(),
		"loaded_modules":    d.Modules(),
		"configuration":     d.cfg.Settings,
	}, nil
}

func (d *Dispatcher) systemHealth(context.Context, registry.Args) (any, error) {
	status, issues := d.cfg.Governor.Health()
	out := map[string]any{
		"status":    status,
		"issues":    issues,
		"uptime":    d.Uptime().Seconds(),
		"resources": d.cfg.Governor.Snapshot(),
	}
	if d.cfg.Auditor != nil {
		out["security"] = d.cfg.Auditor.Summary()
	}
	return out, nil
}

func (d *Dispatcher) systemPerformance(context.Context, registry.Args) (any, error) {
	snap := d.cfg.Governor.Snapshot()
	return map[string]any{
		"latency":              d.perf.Stats(),
		"concurrent_requests":  snap.Concurrent,
		"peak_concurrent":      snap.PeakConcurrent,
		"requests_last_minute": snap.RequestsLastMinute,
		"total_requests":       snap.TotalRequests,
		"failed_requests":      snap.FailedRequests,
		"rejected_requests":    snap.RejectedRequests,
	}, nil
}

func (d *Dispatcher) systemConnections(ctx context.Context, _ registry.Args) (any, error) {
	out := map[string]any{
		"live_client_connections": d.cfg.Governor.Connections(),
	}
	if d.cfg.Connections != nil {
		out["handles"] = d.cfg.Connections(ctx)
	}
	return out, nil
}

func (d *Dispatcher) systemCleanup(ctx context.Context, _ registry.Args) (any, error) {
	var (
		result any
		err    error
	)
	if d.cfg.Cleanup != nil {
		result, err = d.cfg.Cleanup(ctx)
	} else {
		result, err = d.cfg.Registry.Cleanup(ctx)
	}
	if err != nil {
		return nil, registry.Wrap(api.ErrHandler, err, "cleanup")
	}
	now := d.clock.Now()
	d.MarkCleanup(now)
	return map[string]any{"cleaned": result, "completed_at": now}, nil
}

func (d *Dispatcher) systemMetrics(context.Context, registry.Args) (any, error) {
	out := map[string]any{
		"resources":   d.cfg.Governor.Snapshot(),
		"performance": d.perf.Stats(),
		"stats":       d.stats(),
	}
	if d.cfg.Auditor != nil {
		out["security"] = d.cfg.Auditor.Summary()
		out["recent_security_events"] = d.cfg.Auditor.Recent(recentEvents)
	}
	return out, nil
}

func (d *Dispatcher) systemShutdown(context.Context, registry.Args) (any, error) {
	if d.cfg.Shutdown == nil {
		return nil, registry.Errorf(api.ErrHandler, "shutdown is not available")
	}
	d.logger.Info("bridged.dispatch.shutdown_requested")
	d.cfg.Shutdown("system.shutdown")
	return map[string]any{"message": "Shutdown initiated"}, nil
}
