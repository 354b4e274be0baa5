package cache

import (
	"sort"
	"sync"
	"time"

	"mdpipeline/internal/model"
)

// l1Entry is one cached tick with expiry and access bookkeeping.
type l1Entry struct {
	tick        model.Tick
	createdAt   time.Time
	expiresAt   time.Time
	lastAccess  time.Time
	accessCount uint64
}

func (e *l1Entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// L1 is the in-process tick cache. Entries live for a very short TTL and
// the map is capacity-bound: inserting into a full cache first evicts the
// least recently accessed slice of entries.
type L1 struct {
	mu        sync.Mutex
	entries   map[string]*l1Entry
	capacity  int
	baseCap   int
	ttl       time.Duration
	evictFrac float64

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewL1 creates an empty cache.
func NewL1(capacity int, ttl time.Duration, evictFrac float64) *L1 {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 100 * time.Millisecond
	}
	if evictFrac <= 0 || evictFrac > 1 {
		evictFrac = 0.1
	}
	return &L1{
		entries:   make(map[string]*l1Entry, capacity),
		capacity:  capacity,
		baseCap:   capacity,
		ttl:       ttl,
		evictFrac: evictFrac,
	}
}

// Get returns the live cached ticks among symbols and the symbols it
// cannot serve. Expired entries are removed on the way through.
func (c *L1) Get(symbols []string) ([]model.Tick, []string) {
	return c.GetAt(symbols, time.Now())
}

// GetAt is Get with an explicit clock.
func (c *L1) GetAt(symbols []string, now time.Time) ([]model.Tick, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hits []model.Tick
	var missing []string
	for _, sym := range symbols {
		e, ok := c.entries[sym]
		if !ok || e.expired(now) {
			if ok {
				delete(c.entries, sym)
			}
			c.misses++
			missing = append(missing, sym)
			continue
		}
		e.lastAccess = now
		e.accessCount++
		c.hits++
		hits = append(hits, e.tick)
	}
	return hits, missing
}

// Peek reports which symbols the cache cannot currently serve without
// touching hit counters or access times. Used by the warming loop.
func (c *L1) Peek(symbols []string) []string {
	return c.PeekAt(symbols, time.Now())
}

// PeekAt is Peek with an explicit clock.
func (c *L1) PeekAt(symbols []string, now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var missing []string
	for _, sym := range symbols {
		e, ok := c.entries[sym]
		if !ok || e.expired(now) {
			missing = append(missing, sym)
		}
	}
	return missing
}

// Put caches ticks keyed by symbol.
func (c *L1) Put(ticks []model.Tick) {
	c.PutAt(ticks, time.Now())
}

// PutAt is Put with an explicit clock. An older tick never replaces a
// newer cached payload for the same symbol.
func (c *L1) PutAt(ticks []model.Tick, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range ticks {
		if cur, exists := c.entries[t.Symbol]; exists {
			if t.TS.Before(cur.tick.TS) {
				continue
			}
		} else if len(c.entries) >= c.capacity {
			c.evictLocked()
		}
		c.entries[t.Symbol] = &l1Entry{
			tick:       t,
			createdAt:  now,
			expiresAt:  now.Add(c.ttl),
			lastAccess: now,
		}
	}
}

// evictLocked removes the least recently accessed evictFrac share of the
// capacity, at least one entry.
func (c *L1) evictLocked() {
	n := int(float64(c.capacity) * c.evictFrac)
	if n < 1 {
		n = 1
	}
	type victim struct {
		key    string
		access time.Time
		count  uint64
	}
	victims := make([]victim, 0, len(c.entries))
	for k, e := range c.entries {
		victims = append(victims, victim{key: k, access: e.lastAccess, count: e.accessCount})
	}
	// Least recently accessed first; least used breaks ties.
	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].access.Equal(victims[j].access) {
			return victims[i].access.Before(victims[j].access)
		}
		return victims[i].count < victims[j].count
	})
	if n > len(victims) {
		n = len(victims)
	}
	for _, v := range victims[:n] {
		delete(c.entries, v.key)
	}
	c.evictions += uint64(n)
}

// Grow raises capacity by factor, capped at maxMult times the original
// capacity. Returns the new capacity, or 0 when already at the cap.
func (c *L1) Grow(factor, maxMult float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := int(float64(c.baseCap) * maxMult)
	if factor <= 1 || c.capacity >= limit {
		return 0
	}
	next := int(float64(c.capacity) * factor)
	if next > limit {
		next = limit
	}
	if next <= c.capacity {
		return 0
	}
	c.capacity = next
	return next
}

// Len returns the current entry count.
func (c *L1) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the current capacity.
func (c *L1) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Counters returns cumulative hit, miss and eviction counts.
func (c *L1) Counters() (hits, misses, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}
