package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceReleasesDueWaiters(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", got)
	}
	m.Advance(2 * time.Second)
	select {
	case ts := <-short:
		if !ts.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", ts)
		}
	default:
		t.Fatalf("short waiter should have fired")
	}
	select {
	case <-long:
		t.Fatalf("long waiter fired early")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", got)
	}
}

func TestManualAfterNonPositive(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatalf("zero duration should fire immediately")
	}
}

func TestSinceUsesClock(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	m := NewManual(start)
	m.Advance(90 * time.Second)
	if got := Since(m, start); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
	if Ensure(nil) == nil {
		t.Fatalf("Ensure(nil) returned nil")
	}
}
