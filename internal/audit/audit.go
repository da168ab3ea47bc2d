// Package audit records SecurityEvents produced while screening requests,
// keeps a bounded ring of recent events and raises an alarm line when one
// event type occurs more often than its threshold inside a sliding window.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/svcfields"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// EventType classifies an event.
type EventType string

const (
	TypeInjectionAttempt     EventType = "injection_attempt"
	TypeDangerousName        EventType = "dangerous_name"
	TypeSQLInjectionSuspect  EventType = "sql_injection_suspect"
	TypeUnauthorizedModule   EventType = "unauthorized_module"
	TypeUnauthorizedFunction EventType = "unauthorized_function"
	TypeRequestTooLarge      EventType = "request_too_large"
	TypeInvalidRequest       EventType = "invalid_request"
	TypeSchemaViolation      EventType = "schema_violation"
	TypePolicyViolation      EventType = "policy_violation"
	TypeParamsTruncated      EventType = "params_truncated"
)

// Event is one security relevant observation.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        EventType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Client      string         `json:"client,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Module      string         `json:"module,omitempty"`
	Function    string         `json:"function,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
}

// Sink receives every recorded event, for example a message bus.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Defaults for Config.
const (
	DefaultRingSize         = 1000
	DefaultWindow           = 5 * time.Minute
	DefaultAlarmThreshold   = 50
	defaultAlarmReminderGap = time.Minute
)

// DefaultThresholds holds the per-type alarm thresholds used when Config
// supplies none.
func DefaultThresholds() map[EventType]int {
	return map[EventType]int{
		TypeInjectionAttempt:     5,
		TypeDangerousName:        5,
		TypeSQLInjectionSuspect:  20,
		TypeUnauthorizedModule:   10,
		TypeUnauthorizedFunction: 10,
		TypeRequestTooLarge:      10,
		TypePolicyViolation:      10,
	}
}

// Config configures an Auditor.
type Config struct {
	RingSize         int
	Window           time.Duration
	Thresholds       map[EventType]int
	DefaultThreshold int
	Clock            clock.Clock
	// Logger receives one line per event and the alarm lines. It is usually a
	// dedicated audit log.
	Logger pslog.Logger
	Sinks  []Sink
}

// Auditor is safe for concurrent use.
type Auditor struct {
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger

	mu        sync.Mutex
	ring      []Event
	next      int
	full      bool
	total     map[EventType]uint64
	lastAlarm map[EventType]time.Time
}

// New constructs an Auditor.
func New(cfg Config) *Auditor {
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = DefaultAlarmThreshold
	}
	return &Auditor{
		cfg:       cfg,
		clock:     clock.Ensure(cfg.Clock),
		logger:    svcfields.WithSubsystem(cfg.Logger, "bridged.audit"),
		ring:      make([]Event, cfg.RingSize),
		total:     make(map[EventType]uint64),
		lastAlarm: make(map[EventType]time.Time),
	}
}

// NewEvent stamps an event with an id and the auditor clock.
func (a *Auditor) NewEvent(typ EventType, sev Severity) Event {
	return Event{
		ID:        xid.New().String(),
		Timestamp: a.clock.Now(),
		Type:      typ,
		Severity:  sev,
	}
}

// Record appends events to the log, forwards them to the sinks and evaluates
// alarm thresholds.
func (a *Auditor) Record(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = xid.New().String()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = a.clock.Now()
		}
		a.log(ev)
		count, threshold, alarm := a.append(ev)
		if alarm {
			a.logger.Error("bridged.audit.alarm",
				"type", string(ev.Type),
				"count", count,
				"threshold", threshold,
				"window", a.cfg.Window,
				"latest_client", ev.Client,
			)
		}
		for _, sink := range a.cfg.Sinks {
			if err := sink.Publish(ctx, ev); err != nil {
				a.logger.Warn("bridged.audit.sink_failed", "event_id", ev.ID, "error", err)
			}
		}
	}
}

func (a *Auditor) append(ev Event) (int, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring[a.next] = ev
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.full = true
	}
	a.total[ev.Type]++

	threshold, ok := a.cfg.Thresholds[ev.Type]
	if !ok {
		threshold = a.cfg.DefaultThreshold
	}
	now := ev.Timestamp
	count := a.countLocked(ev.Type, now)
	if count <= threshold {
		return count, threshold, false
	}
	if last, ok := a.lastAlarm[ev.Type]; ok && now.Sub(last) < defaultAlarmReminderGap {
		return count, threshold, false
	}
	a.lastAlarm[ev.Type] = now
	return count, threshold, true
}

func (a *Auditor) countLocked(typ EventType, now time.Time) int {
	cutoff := now.Add(-a.cfg.Window)
	count := 0
	a.eachLocked(func(ev Event) {
		if ev.Type == typ && ev.Timestamp.After(cutoff) {
			count++
		}
	})
	return count
}

func (a *Auditor) eachLocked(fn func(Event)) {
	if a.full {
		for _, ev := range a.ring[a.next:] {
			fn(ev)
		}
	}
	for _, ev := range a.ring[:a.next] {
		fn(ev)
	}
}

func (a *Auditor) log(ev Event) {
	kv := []any{
		"event_id", ev.ID,
		"type", string(ev.Type),
		"severity", string(ev.Severity),
		"client", ev.Client,
		"request_id", ev.RequestID,
		"module", ev.Module,
		"function", ev.Function,
	}
	if len(ev.Details) > 0 {
		kv = append(kv, "details", ev.Details)
	}
	if ev.Remediation != "" {
		kv = append(kv, "remediation", ev.Remediation)
	}
	switch ev.Severity {
	case SeverityInfo:
		a.logger.Info("bridged.audit.event", kv...)
	case SeverityWarning:
		a.logger.Warn("bridged.audit.event", kv...)
	default:
		a.logger.Error("bridged.audit.event", kv...)
	}
}

// Recent returns up to n of the newest events, newest first.
func (a *Auditor) Recent(n int) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var all []Event
	a.eachLocked(func(ev Event) { all = append(all, ev) })
	out := make([]Event, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Summary reports counts per type: lifetime totals and the number inside the
// current window.
type Summary struct {
	Totals map[EventType]uint64 `json:"totals"`
	Window map[EventType]int    `json:"window"`
}

// Summary returns per-type counts.
func (a *Auditor) Summary() Summary {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Summary{
		Totals: make(map[EventType]uint64, len(a.total)),
		Window: make(map[EventType]int),
	}
	for k, v := range a.total {
		s.Totals[k] = v
	}
	cutoff := now.Add(-a.cfg.Window)
	a.eachLocked(func(ev Event) {
		if ev.Timestamp.After(cutoff) {
			s.Window[ev.Type]++
		}
	})
	return s
}

// Types lists the event types seen so far in stable order.
func (s Summary) Types() []EventType {
	out := make([]EventType, 0, len(s.Totals))
	for k := range s.Totals {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes every sink.
func (a *Auditor) Close() error {
	var first error
	for _, sink := range a.cfg.Sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
