// Package distribution partitions symbol sets into connection pool
// assignments. High-frequency and high-priority symbols are spread across
// capacity-limited pools; everything else shares one unlimited pool.
package distribution

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"mdpipeline/internal/model"
)

// Pool naming scheme: capacity-limited pools are "hot-0".."hot-N", the
// unlimited remainder pool is "standard".
const (
	HotPoolPrefix = "hot-"
	StandardPool  = "standard"
)

// Config tunes symbol classification and pool sizing.
type Config struct {
	HighFreqPerHour int // accesses/hour at or above which a symbol is high-frequency
	HighFreqMaxPrio int // priority at or below which a symbol is high-frequency
	PoolCapacity    int // max symbols per hot pool
}

func (c *Config) defaults() {
	if c.HighFreqPerHour <= 0 {
		c.HighFreqPerHour = 100
	}
	if c.HighFreqMaxPrio <= 0 {
		c.HighFreqMaxPrio = 2
	}
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = 200
	}
}

// Manager tracks per-symbol access rates and priorities and computes pool
// distributions. Safe for concurrent use.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	counters   map[string]*accessCounter
	priorities map[string]int
}

// New creates a Manager. Zero config fields fall back to defaults.
func New(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:        cfg,
		counters:   make(map[string]*accessCounter),
		priorities: make(map[string]int),
	}
}

// SetPriority assigns a static priority to symbol (1 = highest). Unknown
// symbols default to priority 3.
func (m *Manager) SetPriority(symbol string, prio int) {
	m.mu.Lock()
	m.priorities[symbol] = prio
	m.mu.Unlock()
}

// SeedPriorities bulk-loads priorities, typically from the instrument catalog.
func (m *Manager) SeedPriorities(prios map[string]int) {
	m.mu.Lock()
	for sym, p := range prios {
		m.priorities[sym] = p
	}
	m.mu.Unlock()
}

// Priority returns symbol's priority, defaulting to 3.
func (m *Manager) Priority(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priorityLocked(symbol)
}

func (m *Manager) priorityLocked(symbol string) int {
	if p, ok := m.priorities[symbol]; ok {
		return p
	}
	return 3
}

// RecordAccess counts one access for symbol now.
func (m *Manager) RecordAccess(symbol string) {
	m.RecordAccessAt(symbol, time.Now())
}

// RecordAccessAt counts one access for symbol at the given time.
func (m *Manager) RecordAccessAt(symbol string, now time.Time) {
	m.mu.Lock()
	c, ok := m.counters[symbol]
	if !ok {
		c = &accessCounter{}
		m.counters[symbol] = c
	}
	c.record(now)
	m.mu.Unlock()
}

// AccessRate returns symbol's estimated accesses per hour at the given time.
func (m *Manager) AccessRate(symbol string, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[symbol]
	if !ok {
		return 0
	}
	return c.rate(now)
}

// Distribute partitions symbols into pools using current access rates.
func (m *Manager) Distribute(symbols []string) model.SymbolDistribution {
	return m.DistributeAt(symbols, time.Now())
}

// DistributeAt partitions symbols into pools evaluated at the given time.
// The result is a true partition: pools are disjoint and their union equals
// the (deduplicated) input. An empty input yields an empty distribution.
func (m *Manager) DistributeAt(symbols []string, now time.Time) model.SymbolDistribution {
	dist := model.SymbolDistribution{Pools: make(map[string][]string)}
	if len(symbols) == 0 {
		return dist
	}

	seen := make(map[string]bool, len(symbols))
	var hot, standard []string

	m.mu.Lock()
	for _, sym := range symbols {
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		if m.isHighFreqLocked(sym, now) {
			hot = append(hot, sym)
		} else {
			standard = append(standard, sym)
		}
	}
	// Highest-priority symbols land in the first hot pool.
	sort.Slice(hot, func(i, j int) bool {
		pi, pj := m.priorityLocked(hot[i]), m.priorityLocked(hot[j])
		if pi != pj {
			return pi < pj
		}
		return hot[i] < hot[j]
	})
	m.mu.Unlock()

	poolCap := m.cfg.PoolCapacity
	for i := 0; i < len(hot); i += poolCap {
		end := i + poolCap
		if end > len(hot) {
			end = len(hot)
		}
		name := fmt.Sprintf("%s%d", HotPoolPrefix, i/poolCap)
		dist.Pools[name] = append([]string(nil), hot[i:end]...)
	}
	if len(standard) > 0 {
		sort.Strings(standard)
		dist.Pools[StandardPool] = standard
	}
	return dist
}

// IsHighFrequency reports whether symbol currently classifies as
// high-frequency: access rate at or above the threshold, or priority at or
// below the priority cutoff.
func (m *Manager) IsHighFrequency(symbol string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHighFreqLocked(symbol, now)
}

func (m *Manager) isHighFreqLocked(symbol string, now time.Time) bool {
	if m.priorityLocked(symbol) <= m.cfg.HighFreqMaxPrio {
		return true
	}
	c, ok := m.counters[symbol]
	if !ok {
		return false
	}
	return c.rate(now) >= float64(m.cfg.HighFreqPerHour)
}

// accessCounter approximates a sliding one-hour access window with two
// hour-aligned buckets. The previous bucket decays linearly as the current
// hour elapses.
type accessCounter struct {
	bucket time.Time // start of the current hour bucket
	cur    float64
	prev   float64
}

func (c *accessCounter) record(now time.Time) {
	c.shift(now)
	c.cur++
}

func (c *accessCounter) rate(now time.Time) float64 {
	c.shift(now)
	frac := now.Sub(c.bucket).Seconds() / 3600.0
	if frac > 1 {
		frac = 1
	}
	return c.cur + c.prev*(1-frac)
}

func (c *accessCounter) shift(now time.Time) {
	b := now.Truncate(time.Hour)
	switch {
	case c.bucket.IsZero() || b.Equal(c.bucket):
		c.bucket = b
	case b.Equal(c.bucket.Add(time.Hour)):
		c.prev = c.cur
		c.cur = 0
		c.bucket = b
	case b.After(c.bucket):
		// Gap of 2+ hours: all history is stale.
		c.prev = 0
		c.cur = 0
		c.bucket = b
	}
}
