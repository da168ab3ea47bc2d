package connpool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/bridged/internal/clock"
)

type evictLog struct {
	mu     sync.Mutex
	events []string
}

func (l *evictLog) evict(_ context.Context, id, reason string) {
	l.mu.Lock()
	l.events = append(l.events, id+":"+reason)
	l.mu.Unlock()
}

func (l *evictLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func testKey(user string) Key {
	return Key{Driver: "sqlite", Target: "/tmp/app.db", Username: user, AutoCommit: true, PrintError: true}
}

func TestHitMissAndRefresh(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(Config{Clock: clk, IdleTimeout: 10 * time.Minute})

	if _, ok := c.Get(ctx, testKey("scott")); ok {
		t.Fatalf("empty cache reported a hit")
	}
	c.Put(ctx, testKey("scott"), "c-1")
	clk.Advance(9 * time.Minute)
	id, ok := c.Get(ctx, testKey("scott"))
	if !ok || id != "c-1" {
		t.Fatalf("expected hit c-1, got %q %v", id, ok)
	}
	// The hit refreshed last use, so another 9 minutes is still within the window.
	clk.Advance(9 * time.Minute)
	if _, ok := c.Get(ctx, testKey("scott")); !ok {
		t.Fatalf("refreshed entry purged")
	}
	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestKeyIgnoresFlagsOnlyWhenEqual(t *testing.T) {
	ctx := context.Background()
	c := New(Config{})
	c.Put(ctx, testKey("scott"), "c-1")
	other := testKey("scott")
	other.AutoCommit = false
	if _, ok := c.Get(ctx, other); ok {
		t.Fatalf("different behaviour flags must not share an entry")
	}
	if _, ok := c.Get(ctx, testKey("adams")); ok {
		t.Fatalf("different user must not share an entry")
	}
}

func TestIdlePurgeEvicts(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := &evictLog{}
	c := New(Config{Clock: clk, IdleTimeout: time.Minute, Evict: log.evict})
	c.Put(ctx, testKey("a"), "c-a")
	c.Put(ctx, testKey("b"), "c-b")
	clk.Advance(2 * time.Minute)
	if _, ok := c.Get(ctx, testKey("a")); ok {
		t.Fatalf("idle entry returned")
	}
	got := log.list()
	if len(got) != 2 {
		t.Fatalf("expected both idle entries evicted, got %v", got)
	}
	for _, ev := range got {
		if ev != "c-a:idle" && ev != "c-b:idle" {
			t.Fatalf("unexpected eviction %q", ev)
		}
	}
	if c.Stats().Size != 0 {
		t.Fatalf("cache not empty")
	}
}

func TestProbeFailurePurges(t *testing.T) {
	ctx := context.Background()
	log := &evictLog{}
	dead := map[string]bool{"c-1": true}
	c := New(Config{
		Evict: log.evict,
		Probe: func(_ context.Context, id string) error {
			if dead[id] {
				return fmt.Errorf("connection reset")
			}
			return nil
		},
	})
	c.Put(ctx, testKey("scott"), "c-1")
	if _, ok := c.Get(ctx, testKey("scott")); ok {
		t.Fatalf("dead connection returned")
	}
	if got := log.list(); len(got) != 1 || got[0] != "c-1:probe_failed" {
		t.Fatalf("unexpected evictions %v", got)
	}
	c.Put(ctx, testKey("scott"), "c-2")
	if id, ok := c.Get(ctx, testKey("scott")); !ok || id != "c-2" {
		t.Fatalf("replacement not cached: %q %v", id, ok)
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	log := &evictLog{}
	c := New(Config{Capacity: 2, Evict: log.evict})
	c.Put(ctx, testKey("a"), "c-a")
	c.Put(ctx, testKey("b"), "c-b")
	if _, ok := c.Get(ctx, testKey("a")); !ok {
		t.Fatalf("a missing")
	}
	c.Put(ctx, testKey("c"), "c-c")
	if got := log.list(); len(got) != 1 || got[0] != "c-b:capacity" {
		t.Fatalf("expected b evicted, got %v", got)
	}
	if _, ok := c.Get(ctx, testKey("b")); ok {
		t.Fatalf("b should be gone")
	}
	entries := c.Entries()
	if len(entries) != 2 || entries[0].ConnectionID != "c-a" || entries[1].ConnectionID != "c-c" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestForgetAndPurge(t *testing.T) {
	ctx := context.Background()
	log := &evictLog{}
	bad := "c-b"
	c := New(Config{
		Evict: log.evict,
		Probe: func(_ context.Context, id string) error {
			if id == bad {
				return fmt.Errorf("gone")
			}
			return nil
		},
	})
	c.Put(ctx, testKey("a"), "c-a")
	c.Put(ctx, testKey("b"), "c-b")
	c.Put(ctx, testKey("c"), "c-c")
	if !c.Forget("c-a") {
		t.Fatalf("forget reported no entry")
	}
	if c.Forget("c-a") {
		t.Fatalf("second forget should be a no-op")
	}
	if n := c.Purge(ctx, false); n != 0 {
		t.Fatalf("purge without probe evicted %d", n)
	}
	if n := c.Purge(ctx, true); n != 1 {
		t.Fatalf("purge with probe evicted %d", n)
	}
	if got := log.list(); len(got) != 1 || got[0] != "c-b:probe_failed" {
		t.Fatalf("forget must not evict; got %v", got)
	}
	c.Clear()
	if c.Stats().Size != 0 {
		t.Fatalf("clear left entries")
	}
}

func TestIdleMeasuredFromConnectionUse(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := &evictLog{}
	used := map[string]time.Time{}
	var mu sync.Mutex
	c := New(Config{
		Clock:       clk,
		IdleTimeout: 30 * time.Minute,
		Evict:       log.evict,
		LastUsed: func(id string) (time.Time, bool) {
			mu.Lock()
			defer mu.Unlock()
			t, ok := used[id]
			return t, ok
		},
	})
	c.Put(ctx, testKey("busy"), "c-busy")
	c.Put(ctx, testKey("quiet"), "c-quiet")
	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Minute)
		mu.Lock()
		used["c-busy"] = clk.Now()
		mu.Unlock()
	}
	clk.Advance(time.Minute)

	if n := c.Purge(ctx, false); n != 1 {
		t.Fatalf("expected only the quiet entry purged, got %d (%v)", n, log.list())
	}
	if got := log.list(); len(got) != 1 || got[0] != "c-quiet:idle" {
		t.Fatalf("unexpected evictions %v", got)
	}
	if id, ok := c.Get(ctx, testKey("busy")); !ok || id != "c-busy" {
		t.Fatalf("connection in use was purged: %q %v", id, ok)
	}
	entries := c.Entries()
	if len(entries) != 1 || entries[0].IdleSeconds != 0 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
