package pipeline

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent request durations in a ring and
// summarizes them as the percentile envelope served with every response.
// Thread-safe.
type LatencyTracker struct {
	mu    sync.Mutex
	ring  []time.Duration
	pos   int
	count int
}

// NewLatencyTracker creates a tracker over the last capacity requests.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{ring: make([]time.Duration, capacity)}
}

// Observe adds one request duration.
func (lt *LatencyTracker) Observe(d time.Duration) {
	lt.mu.Lock()
	lt.ring[lt.pos] = d
	lt.pos = (lt.pos + 1) % len(lt.ring)
	if lt.count < len(lt.ring) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Count returns the number of samples held, up to capacity.
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.count
}

// Snapshot returns the p50/p95/p99 envelope in milliseconds over the held
// samples, all zero when nothing has been recorded.
func (lt *LatencyTracker) Snapshot() PercentileStats {
	lt.mu.Lock()
	sorted := make([]time.Duration, lt.count)
	copy(sorted, lt.ring[:lt.count])
	lt.mu.Unlock()

	if len(sorted) == 0 {
		return PercentileStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return PercentileStats{
		P50: ms(rank(sorted, 0.50)),
		P95: ms(rank(sorted, 0.95)),
		P99: ms(rank(sorted, 0.99)),
	}
}

// rank picks the nearest-rank sample for quantile q of a sorted slice.
func rank(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
