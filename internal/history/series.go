package history

import (
	"sync"
	"time"
)

// Stats is a point-in-time summary of one symbol's window.
type Stats struct {
	Count     int
	Mean      float64
	StdDev    float64
	Last      float64
	LastTS    time.Time
	Direction int
}

// Series tracks one rolling window per symbol. Safe for concurrent use.
type Series struct {
	mu      sync.RWMutex
	cap     int
	windows map[string]*Window
	lastTS  map[string]time.Time
}

// NewSeries creates a series whose per-symbol windows hold up to capacity
// observations.
func NewSeries(capacity int) *Series {
	return &Series{
		cap:     capacity,
		windows: make(map[string]*Window),
		lastTS:  make(map[string]time.Time),
	}
}

// Observe records a price observation for symbol at ts.
func (s *Series) Observe(symbol string, price float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[symbol]
	if !ok {
		w = NewWindow(s.cap)
		s.windows[symbol] = w
	}
	w.Push(price)
	s.lastTS[symbol] = ts
}

// Snapshot returns current statistics for symbol. ok is false when the
// symbol has no observations yet.
func (s *Series) Snapshot(symbol string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[symbol]
	if !ok || w.Len() == 0 {
		return Stats{}, false
	}
	return Stats{
		Count:     w.Len(),
		Mean:      w.Mean(),
		StdDev:    w.StdDev(),
		Last:      w.Last(),
		LastTS:    s.lastTS[symbol],
		Direction: w.Direction(),
	}, true
}

// ZScore returns price's z-score against symbol's window, and whether the
// window held at least minObs observations to make the score meaningful.
func (s *Series) ZScore(symbol string, price float64, minObs int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[symbol]
	if !ok || w.Len() < minObs {
		return 0, false
	}
	return w.ZScore(price), true
}

// Values returns symbol's observations ordered oldest to newest, or nil
// when the symbol has none.
func (s *Series) Values(symbol string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[symbol]
	if !ok || w.Len() == 0 {
		return nil
	}
	return w.Values()
}

// Last returns the most recent observation for symbol.
func (s *Series) Last(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[symbol]
	if !ok || w.Len() == 0 {
		return 0, false
	}
	return w.Last(), true
}

// Symbols returns every symbol with at least one observation.
func (s *Series) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.windows))
	for sym := range s.windows {
		out = append(out, sym)
	}
	return out
}
