// Package connpool is the connection cache used by connect_cached. Entries map
// a connection identity, which never includes the password, to the id of a
// live handle in the handle store. The cache references handles; it does not
// own them.
package connpool

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bridged/internal/clock"
	"pkt.systems/bridged/internal/svcfields"
)

const (
	// DefaultCapacity bounds the number of cached connections.
	DefaultCapacity = 50
	// DefaultIdleTimeout is how long an unused entry stays cached.
	DefaultIdleTimeout = 30 * time.Minute
)

// Eviction reasons passed to EvictFunc.
const (
	ReasonIdle     = "idle"
	ReasonProbe    = "probe_failed"
	ReasonCapacity = "capacity"
)

// Key identifies a reusable connection.
type Key struct {
	Driver     string
	Target     string
	Username   string
	AutoCommit bool
	RaiseError bool
	PrintError bool
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|ac=%t,re=%t,pe=%t", k.Driver, k.Target, k.Username, k.AutoCommit, k.RaiseError, k.PrintError)
}

// ProbeFunc checks that the connection behind id still answers.
type ProbeFunc func(ctx context.Context, id string) error

// EvictFunc closes a purged connection and removes it from the handle store.
type EvictFunc func(ctx context.Context, id, reason string)

// LastUsedFunc reports when the connection behind id was last used through
// any operation. It is called with the cache mutex held and must not call
// back into the Cache.
type LastUsedFunc func(id string) (time.Time, bool)

// Config configures a Cache.
type Config struct {
	Capacity    int
	IdleTimeout time.Duration
	Probe       ProbeFunc
	Evict       EvictFunc
	LastUsed    LastUsedFunc
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Cache is an LRU of connection ids. Probes and evictions run without the
// cache mutex held.
type Cache struct {
	capacity int
	idle     time.Duration
	probe    ProbeFunc
	evict    EvictFunc
	lastUsed LastUsedFunc
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *cacheMetrics

	mu        sync.Mutex
	order     *list.List
	items     map[Key]*list.Element
	hits      int64
	misses    int64
	evictions int64
}

type entry struct {
	key      Key
	id       string
	lastUsed time.Time
}

type victim struct {
	id     string
	key    Key
	reason string
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "bridged.connpool")
	c := &Cache{
		capacity: cfg.Capacity,
		idle:     cfg.IdleTimeout,
		probe:    cfg.Probe,
		evict:    cfg.Evict,
		lastUsed: cfg.LastUsed,
		clock:    clock.Ensure(cfg.Clock),
		logger:   logger,
		order:    list.New(),
		items:    make(map[Key]*list.Element),
	}
	c.metrics = newCacheMetrics(logger, c)
	return c
}

// Get returns the cached connection id for key. Idle entries are purged
// first, and a candidate that fails its liveness probe is purged instead of
// returned.
func (c *Cache) Get(ctx context.Context, key Key) (string, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	victims := c.purgeIdleLocked(now)
	var id string
	if elem, ok := c.items[key]; ok {
		id = elem.Value.(*entry).id
	}
	c.mu.Unlock()
	c.evictAll(ctx, victims)

	if id == "" {
		c.miss(ctx)
		return "", false
	}
	if c.probe != nil {
		if err := c.probe(ctx, id); err != nil {
			c.logger.Info("bridged.connpool.probe_failed", "key", key.String(), "connection_id", id, "error", err)
			if c.unlink(key, id) {
				c.evictAll(ctx, []victim{{id: id, key: key, reason: ReasonProbe}})
			}
			c.miss(ctx)
			return "", false
		}
	}

	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok || elem.Value.(*entry).id != id {
		c.mu.Unlock()
		c.miss(ctx)
		return "", false
	}
	elem.Value.(*entry).lastUsed = c.clock.Now()
	c.order.MoveToFront(elem)
	c.hits++
	c.mu.Unlock()
	c.metrics.lookup(ctx, true)
	return id, true
}

func (c *Cache) miss(ctx context.Context) {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	c.metrics.lookup(ctx, false)
}

// Put caches id under key. A previous entry for key is unlinked without being
// evicted; the least recently used entries are evicted past capacity.
func (c *Cache) Put(ctx context.Context, key Key, id string) {
	now := c.clock.Now()
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.id = id
		e.lastUsed = now
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		return
	}
	c.items[key] = c.order.PushFront(&entry{key: key, id: id, lastUsed: now})
	var victims []victim
	for c.order.Len() > c.capacity {
		e := c.removeElementLocked(c.order.Back())
		victims = append(victims, victim{id: e.id, key: e.key, reason: ReasonCapacity})
	}
	c.mu.Unlock()
	c.evictAll(ctx, victims)
}

// Forget drops any entry referencing id without evicting it. Used when the
// connection is closed through other means.
func (c *Cache) Forget(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, elem := range c.items {
		if elem.Value.(*entry).id == id {
			c.removeElementLocked(elem)
			return true
		}
	}
	return false
}

// Purge evicts idle entries and, when probe is true, every entry failing its
// liveness probe. It returns the number of evicted entries.
func (c *Cache) Purge(ctx context.Context, probe bool) int {
	now := c.clock.Now()
	c.mu.Lock()
	victims := c.purgeIdleLocked(now)
	var candidates []victim
	if probe && c.probe != nil {
		for elem := c.order.Front(); elem != nil; elem = elem.Next() {
			e := elem.Value.(*entry)
			candidates = append(candidates, victim{id: e.id, key: e.key, reason: ReasonProbe})
		}
	}
	c.mu.Unlock()
	for _, cand := range candidates {
		if err := c.probe(ctx, cand.id); err != nil && c.unlink(cand.key, cand.id) {
			victims = append(victims, cand)
		}
	}
	c.evictAll(ctx, victims)
	return len(victims)
}

// Clear empties the cache without evicting anything.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.order.Init()
	c.items = make(map[Key]*list.Element)
	c.mu.Unlock()
}

func (c *Cache) purgeIdleLocked(now time.Time) []victim {
	var victims []victim
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if now.Sub(c.lastUseLocked(e)) >= c.idle {
			c.removeElementLocked(elem)
			victims = append(victims, victim{id: e.id, key: e.key, reason: ReasonIdle})
		}
		elem = prev
	}
	return victims
}

// lastUseLocked is the later of the cache hit time and the handle's own last
// use, so connections in active use through their id never count as idle.
func (c *Cache) lastUseLocked(e *entry) time.Time {
	last := e.lastUsed
	if c.lastUsed != nil {
		if t, ok := c.lastUsed(e.id); ok && t.After(last) {
			last = t
		}
	}
	return last
}

func (c *Cache) unlink(key Key, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok || elem.Value.(*entry).id != id {
		return false
	}
	c.removeElementLocked(elem)
	return true
}

func (c *Cache) removeElementLocked(elem *list.Element) *entry {
	c.order.Remove(elem)
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	return e
}

func (c *Cache) evictAll(ctx context.Context, victims []victim) {
	if len(victims) == 0 {
		return
	}
	c.mu.Lock()
	c.evictions += int64(len(victims))
	c.mu.Unlock()
	for _, v := range victims {
		c.metrics.eviction(ctx, v.reason)
		c.logger.Debug("bridged.connpool.evicted", "key", v.key.String(), "connection_id", v.id, "reason", v.reason)
		if c.evict != nil {
			c.evict(ctx, v.id, v.reason)
		}
	}
}

// Stats summarises cache activity.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Stats returns counters and size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Entry describes one cached connection.
type Entry struct {
	Key          string  `json:"key"`
	ConnectionID string  `json:"connection_id"`
	LastUsed     string  `json:"last_used"`
	IdleSeconds  float64 `json:"idle_seconds"`
}

// Entries lists cached connections sorted by key.
func (c *Cache) Entries() []Entry {
	now := c.clock.Now()
	c.mu.Lock()
	out := make([]Entry, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		last := c.lastUseLocked(e)
		out = append(out, Entry{
			Key:          e.key.String(),
			ConnectionID: e.id,
			LastUsed:     last.UTC().Format(time.RFC3339),
			IdleSeconds:  now.Sub(last).Seconds(),
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
