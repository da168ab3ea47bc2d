package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
)

func newTestGovernor(limits Limits, usage Usage) (*Governor, *clock.Manual) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	g := New(Config{
		Limits:        limits,
		ThrottleDelay: 100 * time.Millisecond,
		Sampler:       &StaticSampler{Usage: usage},
		Clock:         clk,
		Logger:        pslog.NoopLogger(),
	})
	return g, clk
}

func TestConcurrencyCounterBalancesWithPanics(t *testing.T) {
	g, _ := newTestGovernor(Limits{MaxConcurrent: 1000}, Usage{})
	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { _ = recover() }()
			release := g.BeginRequest()
			defer release()
			if i%3 == 0 {
				panic("handler blew up")
			}
			if i%5 == 0 {
				g.RecordFailure()
			}
		}(i)
	}
	wg.Wait()
	if got := g.Concurrent(); got != 0 {
		t.Fatalf("expected concurrency 0 after all requests, got %d", got)
	}
	snap := g.Snapshot()
	if snap.TotalRequests != n {
		t.Fatalf("expected %d total requests, got %d", n, snap.TotalRequests)
	}
	if snap.PeakConcurrent < 1 {
		t.Fatalf("expected a recorded peak, got %d", snap.PeakConcurrent)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g, _ := newTestGovernor(Limits{}, Usage{})
	release := g.BeginRequest()
	release()
	release()
	if got := g.Concurrent(); got != 0 {
		t.Fatalf("double release must not go negative, got %d", got)
	}
}

func TestRateWindowSlides(t *testing.T) {
	g, clk := newTestGovernor(Limits{MaxRequestsPerMinute: 10}, Usage{})
	for i := 0; i < 5; i++ {
		g.BeginRequest()()
		clk.Advance(time.Second)
	}
	if got := g.Snapshot().RequestsLastMinute; got != 5 {
		t.Fatalf("expected 5 requests in window, got %d", got)
	}
	clk.Advance(RateWindow)
	if got := g.Snapshot().RequestsLastMinute; got != 0 {
		t.Fatalf("expected window to drain, got %d", got)
	}
}

func TestSoftAndHardClassification(t *testing.T) {
	g, _ := newTestGovernor(Limits{MaxMemoryBytes: 1000}, Usage{RSSBytes: 850})
	if err := g.Sample(context.Background()); err != nil {
		t.Fatalf("sample: %v", err)
	}
	snap := g.Snapshot()
	if snap.Levels[CategoryMemory] != "warning" || snap.State != "warning" {
		t.Fatalf("expected memory warning, got %+v", snap.Levels)
	}
	if d := g.Decide(); d.Throttle {
		t.Fatalf("soft warning must not throttle: %+v", d)
	}
	g.sampler = &StaticSampler{Usage: Usage{RSSBytes: 1200}}
	if err := g.Sample(context.Background()); err != nil {
		t.Fatalf("sample: %v", err)
	}
	d := g.Decide()
	if !d.Throttle || d.Reason != "memory_hard" || d.Delay <= 0 {
		t.Fatalf("expected memory throttle, got %+v", d)
	}
	if snap := g.Snapshot(); snap.Violations[CategoryMemory] != 1 {
		t.Fatalf("expected one memory violation, got %d", snap.Violations[CategoryMemory])
	}
	status, issues := g.Health()
	if status != "critical" || len(issues) != 1 {
		t.Fatalf("expected critical health, got %s %v", status, issues)
	}
}

func TestConnectionCeilingThrottles(t *testing.T) {
	g, clk := newTestGovernor(Limits{MaxConnections: 1}, Usage{})
	release := g.BeginConnection()
	if d := g.Decide(); !d.Throttle || d.Reason != "connections_hard" {
		t.Fatalf("expected connection throttle, got %+v", d)
	}
	done := make(chan time.Duration, 1)
	go func() {
		waited, err := g.Wait(context.Background())
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- waited
	}()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	release()
	clk.Advance(100 * time.Millisecond)
	select {
	case waited := <-done:
		if waited != 100*time.Millisecond {
			t.Fatalf("expected one delay, waited %v", waited)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("admission did not resume")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	g, _ := newTestGovernor(Limits{MaxConnections: 1}, Usage{})
	g.BeginConnection()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSampleError(t *testing.T) {
	g, _ := newTestGovernor(Limits{}, Usage{})
	g.sampler = &StaticSampler{Err: errors.New("no procfs")}
	if err := g.Sample(context.Background()); err == nil {
		t.Fatalf("expected sample error")
	}
}

func TestRejectedCounter(t *testing.T) {
	g, _ := newTestGovernor(Limits{}, Usage{})
	g.RecordRejected("request_too_large")
	if got := g.Snapshot().RejectedRequests; got != 1 {
		t.Fatalf("expected 1 rejected, got %d", got)
	}
}
