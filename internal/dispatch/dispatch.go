// Package dispatch routes validated requests to their handlers. The test and
// system pseudo-modules are served inline; every other pair resolves through
// the static registry. Every call is timed into a rolling window.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/audit"
	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/governor"
	"pkt.systems/bridged/internal/registry"
	"pkt.systems/bridged/internal/svcfields"
	"pkt.systems/bridged/internal/version"
)

// Pseudo-module names.
const (
	ModuleTest   = "test"
	ModuleSystem = "system"
)

// AdminFunctions enumerates the pseudo-module functions.
func AdminFunctions() map[string][]string {
	return map[string][]string{
		ModuleTest:   {"ping", "health", "stats", "echo"},
		ModuleSystem: {"info", "health", "performance", "connections", "cleanup", "metrics", "shutdown"},
	}
}

// Reserved lists the module names registry modules may not use.
func Reserved() []string { return []string{ModuleTest, ModuleSystem} }

// Config configures a Dispatcher.
type Config struct {
	Registry *registry.Registry
	Governor *governor.Governor
	Auditor  *audit.Auditor
	// PerfWindow is the number of samples kept; defaults to DefaultPerfWindow.
	PerfWindow int
	// Debug >= 1 attaches diagnostic traces to failures.
	Debug  int
	Clock  clock.Clock
	Logger pslog.Logger
	// Endpoint and Settings are reported by system.info.
	Endpoint string
	Settings map[string]any
	// Connections reports live handle and cache state for system.connections.
	Connections func(ctx context.Context) any
	// Cleanup runs one stale sweep for system.cleanup. Defaults to the
	// registry cleanup hooks.
	Cleanup func(ctx context.Context) (any, error)
	// Shutdown starts a cooperative shutdown. It must not block on the
	// calling request.
	Shutdown func(reason string)
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	tracer  trace.Tracer
	perf    *PerfWindow
	metrics *dispatchMetrics
	admin   map[string]map[string]registry.Handler
	started time.Time

	lastCleanup atomic.Int64
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Governor == nil {
		cfg.Governor = governor.New(governor.Config{Sampler: &governor.StaticSampler{}, Clock: cfg.Clock})
	}
	clk := clock.Ensure(cfg.Clock)
	logger := svcfields.WithSubsystem(cfg.Logger, "bridged.dispatch")
	d := &Dispatcher{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/bridged/dispatch"),
		perf:    NewPerfWindow(cfg.PerfWindow, clk),
		metrics: newDispatchMetrics(logger),
		started: clk.Now(),
	}
	d.admin = d.adminHandlers()
	return d
}

// Perf exposes the rolling performance window.
func (d *Dispatcher) Perf() *PerfWindow { return d.perf }

// Uptime reports time since construction.
func (d *Dispatcher) Uptime() time.Duration { return d.clock.Now().Sub(d.started) }

// MarkCleanup records when the last stale sweep finished.
func (d *Dispatcher) MarkCleanup(at time.Time) { d.lastCleanup.Store(at.UnixNano()) }

// LastCleanup returns the last sweep time, zero when none ran.
func (d *Dispatcher) LastCleanup() time.Time {
	ns := d.lastCleanup.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// HasModule reports whether module can be called at all.
func (d *Dispatcher) HasModule(module string) bool {
	if _, ok := d.admin[module]; ok {
		return true
	}
	return d.cfg.Registry.HasModule(module)
}

// Allowed reports whether module.function is on the whitelist.
func (d *Dispatcher) Allowed(module, function string) bool {
	if fns, ok := d.admin[module]; ok {
		_, ok := fns[function]
		return ok
	}
	_, ok := d.cfg.Registry.Lookup(module, function)
	return ok
}

// Modules lists every callable module.
func (d *Dispatcher) Modules() []string {
	return append([]string{ModuleSystem, ModuleTest}, d.cfg.Registry.Modules()...)
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }

// Dispatch executes req and always returns a response. warnings are
// validation findings carried into ExecutionInfo.
func (d *Dispatcher) Dispatch(ctx context.Context, req api.Request, warnings []string) api.Response {
	release := d.cfg.Governor.BeginRequest()
	defer release()

	ctx, span := d.tracer.Start(ctx, "bridged.dispatch", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("bridged.module", req.Module),
		attribute.String("bridged.function", req.Function),
		attribute.String("bridged.request_id", req.RequestID),
	)

	logger := svcfields.WithRequest(d.logger, req.RequestID, req.Module, req.Function)
	ctx = pslog.ContextWithLogger(ctx, logger)

	started := d.clock.Now()
	handler, names, admin, ok := d.resolve(req.Module, req.Function)
	var (
		result any
		err    error
	)
	if !ok {
		err = registry.Errorf(api.ErrUnauthorizedFunction, "%s.%s is not registered", req.Module, req.Function)
	} else {
		result, err = d.invoke(ctx, handler, names, admin, req.Params)
	}
	elapsed := d.clock.Now().Sub(started)
	millis := float64(elapsed) / float64(time.Millisecond)

	d.perf.Add(Sample{
		Module:   req.Module,
		Function: req.Function,
		Duration: elapsed,
		Success:  err == nil,
		At:       started,
	})

	if err != nil {
		kind := ErrorKind(err)
		d.cfg.Governor.RecordFailure()
		d.metrics.record(ctx, req.Module, req.Function, kind, millis)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		var perr *panicError
		if errors.As(err, &perr) {
			logger.Error("bridged.dispatch.panic", "error", perr.value, "stack", string(perr.stack))
		} else {
			logger.Warn("bridged.dispatch.failed", "error_type", kind, "error", err, "elapsed", elapsed)
		}
		resp := api.Failure(kind, err.Error())
		resp.Module = req.Module
		resp.Function = req.Function
		resp.RequestID = req.RequestID
		resp.Warnings = warnings
		if d.cfg.Debug >= 1 {
			resp.Trace = diagnostic(err)
		}
		return resp
	}

	d.metrics.record(ctx, req.Module, req.Function, "ok", millis)
	span.SetStatus(codes.Ok, "")
	logger.Debug("bridged.dispatch.ok", "elapsed", elapsed)
	return api.Success(req.Module, req.Function, result, &api.ExecutionInfo{
		RequestID:      req.RequestID,
		DurationMillis: round3(millis),
		StartedAt:      started,
		DaemonVersion:  version.Current(),
		Warnings:       warnings,
	})
}

// resolve reports admin=true for pseudo-module handlers, which take params
// without binding.
func (d *Dispatcher) resolve(module, function string) (registry.Handler, []string, bool, bool) {
	if fns, ok := d.admin[module]; ok {
		h, ok := fns[function]
		return h, nil, true, ok
	}
	fn, ok := d.cfg.Registry.Lookup(module, function)
	if !ok {
		return nil, nil, false, false
	}
	return fn.Handler, fn.Params, false, true
}

func (d *Dispatcher) invoke(ctx context.Context, h registry.Handler, names []string, admin bool, params any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	if admin {
		return h(ctx, registry.RawArgs(params))
	}
	args, err := registry.Bind(params, names)
	if err != nil {
		return nil, err
	}
	return h(ctx, args)
}

// ErrorKind maps a handler error to its wire kind.
func ErrorKind(err error) string {
	var perr *panicError
	if errors.As(err, &perr) {
		return api.ErrPanic
	}
	var rerr *registry.Error
	if errors.As(err, &rerr) && rerr.Kind != "" {
		return rerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.ErrTimeout
	}
	return api.ErrHandler
}

func diagnostic(err error) string {
	var perr *panicError
	if errors.As(err, &perr) {
		return string(perr.stack)
	}
	out := fmt.Sprintf("%T: %v", err, err)
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		out += fmt.Sprintf("\ncaused by %T: %v", e, e)
	}
	return out
}
