package dispatch

import (
	"math"
	"sort"
	"sync"
	"time"

	"pkt.systems/bridged/internal/clock"
)

// DefaultPerfWindow is the number of calls kept for latency statistics.
const DefaultPerfWindow = 100

// Sample is one timed call.
type Sample struct {
	Module   string
	Function string
	Duration time.Duration
	Success  bool
	At       time.Time
}

// PerfStats are derived from the rolling window on demand.
type PerfStats struct {
	Samples        int                `json:"samples"`
	AverageMillis  float64            `json:"avg_ms"`
	P95Millis      float64            `json:"p95_ms"`
	P99Millis      float64            `json:"p99_ms"`
	MaxMillis      float64            `json:"max_ms"`
	ErrorRate      float64            `json:"error_rate"`
	RequestsPerSec float64            `json:"requests_per_second"`
	ByFunction     map[string]float64 `json:"avg_ms_by_function,omitempty"`
}

// PerfWindow is a fixed size ring of the most recent samples.
type PerfWindow struct {
	clock clock.Clock

	mu   sync.Mutex
	ring []Sample
	next int
	full bool
}

// NewPerfWindow constructs a window holding size samples.
func NewPerfWindow(size int, clk clock.Clock) *PerfWindow {
	if size <= 0 {
		size = DefaultPerfWindow
	}
	return &PerfWindow{clock: clock.Ensure(clk), ring: make([]Sample, size)}
}

// Add appends a sample, overwriting the oldest when full.
func (w *PerfWindow) Add(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ring[w.next] = s
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
}

func (w *PerfWindow) samples() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.full {
		out := make([]Sample, 0, len(w.ring))
		out = append(out, w.ring[w.next:]...)
		return append(out, w.ring[:w.next]...)
	}
	return append([]Sample(nil), w.ring[:w.next]...)
}

// Stats computes percentiles, error rate and throughput over the window.
// Throughput is measured from the oldest sample to now.
func (w *PerfWindow) Stats() PerfStats {
	samples := w.samples()
	stats := PerfStats{Samples: len(samples)}
	if len(samples) == 0 {
		return stats
	}
	durations := make([]float64, len(samples))
	var sum float64
	failures := 0
	byFn := make(map[string][]float64)
	oldest := samples[0].At
	for i, s := range samples {
		ms := float64(s.Duration) / float64(time.Millisecond)
		durations[i] = ms
		sum += ms
		if !s.Success {
			failures++
		}
		key := s.Module + "." + s.Function
		byFn[key] = append(byFn[key], ms)
		if s.At.Before(oldest) {
			oldest = s.At
		}
	}
	sort.Float64s(durations)
	stats.AverageMillis = round3(sum / float64(len(durations)))
	stats.P95Millis = round3(percentile(durations, 0.95))
	stats.P99Millis = round3(percentile(durations, 0.99))
	stats.MaxMillis = round3(durations[len(durations)-1])
	stats.ErrorRate = round3(float64(failures) / float64(len(samples)))
	if span := w.clock.Now().Sub(oldest); span > 0 {
		stats.RequestsPerSec = round3(float64(len(samples)) / span.Seconds())
	}
	stats.ByFunction = make(map[string]float64, len(byFn))
	for k, v := range byFn {
		var total float64
		for _, ms := range v {
			total += ms
		}
		stats.ByFunction[k] = round3(total / float64(len(v)))
	}
	return stats
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
