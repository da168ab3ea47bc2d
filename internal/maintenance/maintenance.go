// Package maintenance runs the daemon's periodic loops: the stale handle
// sweep, the health log line and the resource sampler. Each loop runs on its
// own timer and never overlaps with itself.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/dispatch"
	"pkt.systems/bridged/internal/governor"
	"pkt.systems/bridged/internal/svcfields"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config configures Loops.
type Config struct {
	Tasks  []Task
	Clock  clock.Clock
	Logger pslog.Logger
}

// Loops owns the maintenance goroutines.
type Loops struct {
	tasks   []Task
	clock   clock.Clock
	logger  pslog.Logger
	metrics *loopMetrics
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*taskState
}

type taskState struct {
	mu      sync.Mutex
	runs    int64
	lastRun time.Time
	lastErr error
}

// New validates the task table.
func New(cfg Config) (*Loops, error) {
	seen := make(map[string]bool, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("maintenance: task needs a name and a run function")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("maintenance: duplicate task %q", t.Name)
		}
		seen[t.Name] = true
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "bridged.maintenance")
	l := &Loops{
		tasks:   cfg.Tasks,
		clock:   clock.Ensure(cfg.Clock),
		logger:  logger,
		metrics: newLoopMetrics(logger),
		runs:    make(map[string]*taskState, len(cfg.Tasks)),
	}
	for _, t := range cfg.Tasks {
		l.runs[t.Name] = &taskState{}
	}
	return l, nil
}

// Start launches one goroutine per task with a positive interval. Only the
// first call has an effect.
func (l *Loops) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	for _, t := range l.tasks {
		if t.Interval <= 0 {
			l.logger.Debug("bridged.maintenance.task.disabled", "task", t.Name)
			continue
		}
		l.wg.Add(1)
		go func(t Task) {
			defer l.wg.Done()
			l.loop(ctx, t)
		}(t)
	}
}

// Stop cancels the loops and waits for in-flight runs to return.
func (l *Loops) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Loops) loop(ctx context.Context, t Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(t.Interval):
			_ = l.run(ctx, t)
		}
	}
}

// RunNow executes the named task synchronously.
func (l *Loops) RunNow(ctx context.Context, name string) error {
	for _, t := range l.tasks {
		if t.Name == name {
			return l.run(ctx, t)
		}
	}
	return fmt.Errorf("maintenance: unknown task %q", name)
}

func (l *Loops) run(ctx context.Context, t Task) error {
	st := l.state(t.Name)
	st.mu.Lock()
	defer st.mu.Unlock()
	start := l.clock.Now()
	err := safeRun(ctx, t)
	elapsed := l.clock.Now().Sub(start)
	st.runs++
	st.lastRun = start
	st.lastErr = err
	l.metrics.record(ctx, t.Name, elapsed, err)
	if err != nil {
		l.logger.Warn("bridged.maintenance.task.failed", "task", t.Name, "elapsed", elapsed, "error", err)
	}
	return err
}

func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}

func (l *Loops) state(name string) *taskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.runs[name]
	if !ok {
		st = &taskState{}
		l.runs[name] = st
	}
	return st
}

// Status describes one task.
type Status struct {
	Name     string    `json:"name"`
	Interval string    `json:"interval"`
	Runs     int64     `json:"runs"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Status lists every task sorted by name.
func (l *Loops) Status() []Status {
	out := make([]Status, 0, len(l.tasks))
	for _, t := range l.tasks {
		st := l.state(t.Name)
		st.mu.Lock()
		s := Status{Name: t.Name, Interval: t.Interval.String(), Runs: st.runs, LastRun: st.lastRun}
		if st.lastErr != nil {
			s.LastErr = st.lastErr.Error()
		}
		st.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Task names used by the daemon.
const (
	TaskStaleSweep     = "stale_sweep"
	TaskHealthLog      = "health_log"
	TaskResourceSample = "resource_sample"
)

// StaleSweep runs the module cleanup hooks and logs what they reclaimed.
// done is called with the completion time on success.
func StaleSweep(interval time.Duration, sweep func(ctx context.Context) (map[string]map[string]int, error), done func(time.Time), clk clock.Clock, logger pslog.Logger) Task {
	clk = clock.Ensure(clk)
	logger = svcfields.WithSubsystem(logger, "bridged.maintenance.sweep")
	return Task{
		Name:     TaskStaleSweep,
		Interval: interval,
		Run: func(ctx context.Context) error {
			counts, err := sweep(ctx)
			if done != nil {
				done(clk.Now())
			}
			for module, c := range counts {
				fields := []any{"module", module}
				for _, k := range sortedKeys(c) {
					fields = append(fields, k, c[k])
				}
				logger.Info("bridged.maintenance.sweep.completed", fields...)
			}
			return err
		},
	}
}

// HealthLog writes one health line per interval.
func HealthLog(interval time.Duration, gov *governor.Governor, perf *dispatch.PerfWindow, logger pslog.Logger) Task {
	logger = svcfields.WithSubsystem(logger, "bridged.maintenance.health")
	return Task{
		Name:     TaskHealthLog,
		Interval: interval,
		Run: func(context.Context) error {
			status, issues := gov.Health()
			snap := gov.Snapshot()
			fields := []any{
				"status", status,
				"rss", humanize.IBytes(snap.RSSBytes),
				"cpu_percent", snap.CPUPercent,
				"concurrent", snap.Concurrent,
				"connections", snap.Connections,
				"requests_last_minute", snap.RequestsLastMinute,
				"total_requests", snap.TotalRequests,
				"failed_requests", snap.FailedRequests,
				"rejected_requests", snap.RejectedRequests,
			}
			if perf != nil {
				stats := perf.Stats()
				fields = append(fields, "p95_ms", stats.P95Millis, "error_rate", stats.ErrorRate)
			}
			if len(issues) > 0 {
				fields = append(fields, "issues", issues)
				logger.Warn("bridged.health", fields...)
				return nil
			}
			logger.Info("bridged.health", fields...)
			return nil
		},
	}
}

// ResourceSample refreshes the governor's process readings.
func ResourceSample(interval time.Duration, gov *governor.Governor) Task {
	return Task{
		Name:     TaskResourceSample,
		Interval: interval,
		Run:      gov.Sample,
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
