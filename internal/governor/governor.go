// Package governor tracks process resource usage, request rate and
// concurrency, classifies them against soft and hard limits and turns
// sustained pressure into admission delays for the listener.
package governor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/svcfields"
)

// RateWindow is the span over which the request rate is measured.
const RateWindow = 60 * time.Second

// DefaultSoftRatio is the fraction of a hard limit at which warnings start.
const DefaultSoftRatio = 0.8

// Category names a governed resource.
type Category string

const (
	CategoryMemory      Category = "memory"
	CategoryCPU         Category = "cpu"
	CategoryRate        Category = "request_rate"
	CategoryConcurrency Category = "concurrency"
	CategoryConnections Category = "connections"
)

var categories = []Category{CategoryMemory, CategoryCPU, CategoryRate, CategoryConcurrency, CategoryConnections}

// Level classifies one reading against its limits.
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelViolation
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarning:
		return "warning"
	case LevelViolation:
		return "violation"
	default:
		return "unknown"
	}
}

// State is the admission posture derived from the category levels.
type State int

const (
	// StateNormal admits connections without delay.
	StateNormal State = iota
	// StateWarning means at least one category crossed its soft threshold.
	StateWarning
	// StateThrottling means a hard limit is breached and admission is delayed.
	StateThrottling
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateThrottling:
		return "throttling"
	default:
		return "unknown"
	}
}

// Limits holds the hard limits. Zero disables a limit.
type Limits struct {
	MaxMemoryBytes       uint64
	MaxCPUPercent        float64
	MaxRequestsPerMinute int
	MaxConcurrent        int64
	MaxConnections       int64
}

// Config configures a Governor.
type Config struct {
	Limits
	// SoftRatio defaults to DefaultSoftRatio.
	SoftRatio float64
	// ThrottleDelay is the longest single admission delay; defaults to 250ms.
	ThrottleDelay time.Duration
	Sampler       Sampler
	Clock         clock.Clock
	Logger        pslog.Logger
}

// Usage is one process resource reading.
type Usage struct {
	RSSBytes   uint64
	CPUPercent float64
}

// Sampler reads process resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// Snapshot is a point-in-time view of the governor.
type Snapshot struct {
	RSSBytes           uint64              `json:"rss_bytes"`
	CPUPercent         float64             `json:"cpu_percent"`
	Concurrent         int64               `json:"concurrent_requests"`
	PeakConcurrent     int64               `json:"peak_concurrent_requests"`
	Connections        int64               `json:"live_connections"`
	RequestsLastMinute int                 `json:"requests_last_minute"`
	TotalRequests      uint64              `json:"total_requests"`
	FailedRequests     uint64              `json:"failed_requests"`
	RejectedRequests   uint64              `json:"rejected_requests"`
	Violations         map[Category]uint64 `json:"violations"`
	Warnings           map[Category]uint64 `json:"warnings"`
	Levels             map[Category]string `json:"levels"`
	State              string              `json:"state"`
	SampledAt          time.Time           `json:"sampled_at"`
	Limits             Limits              `json:"-"`
}

// Decision reports whether the listener should hold off accepting.
type Decision struct {
	Throttle bool
	Delay    time.Duration
	State    State
	Reason   string
}

// Governor is safe for concurrent use.
type Governor struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	sampler Sampler
	metrics *governorMetrics

	concurrent     atomic.Int64
	peakConcurrent atomic.Int64
	connections    atomic.Int64
	total          atomic.Uint64
	failed         atomic.Uint64
	rejected       atomic.Uint64

	mu         sync.Mutex
	window     []time.Time
	usage      Usage
	sampledAt  time.Time
	levels     map[Category]Level
	violations map[Category]uint64
	warnings   map[Category]uint64
	state      State
}

// New constructs a Governor. When cfg.Sampler is nil the current process is
// sampled through gopsutil.
func New(cfg Config) *Governor {
	if cfg.SoftRatio <= 0 || cfg.SoftRatio >= 1 {
		cfg.SoftRatio = DefaultSoftRatio
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = 250 * time.Millisecond
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "bridged.governor")
	g := &Governor{
		cfg:        cfg,
		clock:      clock.Ensure(cfg.Clock),
		logger:     logger,
		sampler:    cfg.Sampler,
		levels:     make(map[Category]Level, len(categories)),
		violations: make(map[Category]uint64, len(categories)),
		warnings:   make(map[Category]uint64, len(categories)),
	}
	if g.sampler == nil {
		sampler, err := NewProcessSampler(context.Background())
		if err != nil {
			logger.Warn("bridged.governor.sampler_unavailable", "error", err)
		} else {
			g.sampler = sampler
		}
	}
	g.metrics = newGovernorMetrics(logger, g)
	return g
}

// BeginRequest records the start of a dispatched request and returns a release
// func. Calling release more than once is harmless; the counter drops exactly
// once.
func (g *Governor) BeginRequest() func() {
	now := g.clock.Now()
	current := g.concurrent.Add(1)
	for {
		peak := g.peakConcurrent.Load()
		if current <= peak || g.peakConcurrent.CompareAndSwap(peak, current) {
			break
		}
	}
	g.total.Add(1)
	g.metrics.recordRequest()

	g.mu.Lock()
	g.window = append(g.window, now)
	g.pruneLocked(now)
	rate := len(g.window)
	g.classifyLocked(CategoryRate, float64(rate), float64(g.cfg.MaxRequestsPerMinute), true)
	g.classifyLocked(CategoryConcurrency, float64(current), float64(g.cfg.MaxConcurrent), true)
	g.updateStateLocked("request")
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.concurrent.Add(-1)
		})
	}
}

// BeginConnection records an accepted connection and returns its release func.
func (g *Governor) BeginConnection() func() {
	g.connections.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.connections.Add(-1)
		})
	}
}

// RecordFailure counts a request whose handler failed.
func (g *Governor) RecordFailure() {
	g.failed.Add(1)
}

// RecordRejected counts a request refused before reaching a handler.
func (g *Governor) RecordRejected(reason string) {
	g.rejected.Add(1)
	g.metrics.recordRejected(reason)
}

// Concurrent returns the number of requests currently dispatched.
func (g *Governor) Concurrent() int64 {
	return g.concurrent.Load()
}

// Connections returns the number of live client connections.
func (g *Governor) Connections() int64 {
	return g.connections.Load()
}

// Sample reads process usage and reclassifies the memory and CPU categories.
func (g *Governor) Sample(ctx context.Context) error {
	if g.sampler == nil {
		return fmt.Errorf("governor: no sampler available")
	}
	usage, err := g.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("governor: sample: %w", err)
	}
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage = usage
	g.sampledAt = now
	g.pruneLocked(now)
	g.classifyLocked(CategoryMemory, float64(usage.RSSBytes), float64(g.cfg.MaxMemoryBytes), true)
	g.classifyLocked(CategoryCPU, usage.CPUPercent, g.cfg.MaxCPUPercent, true)
	g.classifyLocked(CategoryRate, float64(len(g.window)), float64(g.cfg.MaxRequestsPerMinute), false)
	g.classifyLocked(CategoryConcurrency, float64(g.concurrent.Load()), float64(g.cfg.MaxConcurrent), false)
	g.updateStateLocked("sample")
	return nil
}

// Decide evaluates whether the listener should delay the next accept.
func (g *Governor) Decide() Decision {
	now := g.clock.Now()
	conns := g.connections.Load()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	g.classifyLocked(CategoryRate, float64(len(g.window)), float64(g.cfg.MaxRequestsPerMinute), false)
	g.classifyLocked(CategoryConcurrency, float64(g.concurrent.Load()), float64(g.cfg.MaxConcurrent), false)
	g.updateStateLocked("admission")
	if g.cfg.MaxConnections > 0 && conns >= g.cfg.MaxConnections {
		return Decision{Throttle: true, Delay: g.cfg.ThrottleDelay, State: StateThrottling, Reason: string(CategoryConnections) + "_hard"}
	}
	if g.state != StateThrottling {
		return Decision{State: g.state}
	}
	reason, pressure := g.dominantLocked()
	return Decision{
		Throttle: true,
		Delay:    scaleDelay(g.cfg.ThrottleDelay, pressure),
		State:    g.state,
		Reason:   string(reason) + "_hard",
	}
}

// Wait blocks while Decide reports throttling. It returns the total time
// spent waiting, or ctx.Err when ctx ends first.
func (g *Governor) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	logged := false
	for {
		d := g.Decide()
		if !d.Throttle {
			if logged {
				g.logger.Info("bridged.governor.admission_resumed", "waited", waited)
			}
			return waited, nil
		}
		if !logged {
			g.logger.Warn("bridged.governor.admission_throttled", "reason", d.Reason, "delay", d.Delay)
			logged = true
		}
		g.metrics.recordThrottle(d.Reason)
		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-g.clock.After(d.Delay):
			waited += d.Delay
		}
	}
}

// Snapshot returns the current readings.
func (g *Governor) Snapshot() Snapshot {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	snap := Snapshot{
		RSSBytes:           g.usage.RSSBytes,
		CPUPercent:         g.usage.CPUPercent,
		Concurrent:         g.concurrent.Load(),
		PeakConcurrent:     g.peakConcurrent.Load(),
		Connections:        g.connections.Load(),
		RequestsLastMinute: len(g.window),
		TotalRequests:      g.total.Load(),
		FailedRequests:     g.failed.Load(),
		RejectedRequests:   g.rejected.Load(),
		Violations:         make(map[Category]uint64, len(g.violations)),
		Warnings:           make(map[Category]uint64, len(g.warnings)),
		Levels:             make(map[Category]string, len(categories)),
		State:              g.state.String(),
		SampledAt:          g.sampledAt,
		Limits:             g.cfg.Limits,
	}
	for k, v := range g.violations {
		snap.Violations[k] = v
	}
	for k, v := range g.warnings {
		snap.Warnings[k] = v
	}
	for _, c := range categories {
		snap.Levels[c] = g.levels[c].String()
	}
	return snap
}

// Health summarises the snapshot as healthy, degraded or critical along with
// the categories responsible.
func (g *Governor) Health() (string, []string) {
	snap := g.Snapshot()
	status := "healthy"
	var issues []string
	for _, c := range categories {
		switch snap.Levels[c] {
		case LevelViolation.String():
			status = "critical"
			issues = append(issues, string(c)+" over hard limit")
		case LevelWarning.String():
			if status == "healthy" {
				status = "degraded"
			}
			issues = append(issues, string(c)+" over soft limit")
		}
	}
	sort.Strings(issues)
	return status, issues
}

func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-RateWindow)
	idx := 0
	for idx < len(g.window) && !g.window[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		g.window = append(g.window[:0], g.window[idx:]...)
	}
}

func (g *Governor) classifyLocked(c Category, value, hard float64, count bool) {
	level := LevelOK
	if hard > 0 {
		switch {
		case value >= hard:
			level = LevelViolation
		case value >= hard*g.cfg.SoftRatio:
			level = LevelWarning
		}
	}
	prev := g.levels[c]
	g.levels[c] = level
	if count {
		switch level {
		case LevelViolation:
			g.violations[c]++
			g.metrics.recordViolation(c)
		case LevelWarning:
			g.warnings[c]++
		}
	}
	if level == prev {
		return
	}
	switch level {
	case LevelViolation:
		g.logger.Warn("bridged.governor.violation", "category", string(c), "value", value, "limit", hard)
	case LevelWarning:
		g.logger.Warn("bridged.governor.warning", "category", string(c), "value", value, "soft_limit", hard*g.cfg.SoftRatio)
	default:
		g.logger.Info("bridged.governor.recovered", "category", string(c), "value", value)
	}
}

func (g *Governor) updateStateLocked(trigger string) {
	next := StateNormal
	for _, c := range categories {
		switch g.levels[c] {
		case LevelViolation:
			next = StateThrottling
		case LevelWarning:
			if next == StateNormal {
				next = StateWarning
			}
		}
	}
	if next == g.state {
		return
	}
	g.logger.Info("bridged.governor.state", "previous", g.state.String(), "state", next.String(), "trigger", trigger)
	g.state = next
}

// dominantLocked returns the category under most pressure and its pressure
// ratio in [0,1] between soft and hard limits.
func (g *Governor) dominantLocked() (Category, float64) {
	best := Category("")
	bestPressure := -1.0
	readings := map[Category][2]float64{
		CategoryMemory:      {float64(g.usage.RSSBytes), float64(g.cfg.MaxMemoryBytes)},
		CategoryCPU:         {g.usage.CPUPercent, g.cfg.MaxCPUPercent},
		CategoryRate:        {float64(len(g.window)), float64(g.cfg.MaxRequestsPerMinute)},
		CategoryConcurrency: {float64(g.concurrent.Load()), float64(g.cfg.MaxConcurrent)},
	}
	for _, c := range categories {
		if g.levels[c] != LevelViolation {
			continue
		}
		r, ok := readings[c]
		if !ok {
			continue
		}
		p := ratio(r[0], r[1]*g.cfg.SoftRatio, r[1])
		if p > bestPressure {
			best, bestPressure = c, p
		}
	}
	if best == "" {
		return "resource", 1
	}
	return best, bestPressure
}

func ratio(value, soft, hard float64) float64 {
	if hard <= soft {
		return 1
	}
	if value <= soft {
		return 0
	}
	return math.Max(0, math.Min(1, (value-soft)/(hard-soft)))
}

func scaleDelay(base time.Duration, pressure float64) time.Duration {
	minDelay := base / 10
	if minDelay < 2*time.Millisecond {
		minDelay = 2 * time.Millisecond
	}
	if minDelay > base {
		minDelay = base
	}
	scaled := time.Duration(float64(base) * pressure)
	if scaled < minDelay {
		return minDelay
	}
	if scaled > base {
		return base
	}
	return scaled
}
