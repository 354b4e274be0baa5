// Package history maintains short rolling windows of price observations per
// symbol. Validation tiers and cache trend checks read these windows for
// mean/deviation/z-score statistics; nothing here persists beyond process
// lifetime.
package history

import "math"

// Window is a fixed-capacity circular buffer of float64 observations.
// Uses a preallocated buffer and a running sum for zero-allocation updates.
// Not safe for concurrent use; Series adds locking.
type Window struct {
	cap   int
	buf   []float64
	idx   int // current write position
	count int // total values received
	sum   float64
	last  float64
}

// NewWindow creates a window holding up to capacity observations.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		cap: capacity,
		buf: make([]float64, capacity),
	}
}

// Push adds an observation, evicting the oldest when full.
func (w *Window) Push(v float64) {
	if w.count >= w.cap {
		w.sum -= w.buf[w.idx]
	}
	w.buf[w.idx] = v
	w.sum += v
	w.idx = (w.idx + 1) % w.cap
	w.count++
	w.last = v
}

// Len returns the number of observations currently held.
func (w *Window) Len() int {
	if w.count < w.cap {
		return w.count
	}
	return w.cap
}

// Full reports whether the window has reached capacity.
func (w *Window) Full() bool { return w.count >= w.cap }

// Last returns the most recent observation, or 0 when empty.
func (w *Window) Last() float64 { return w.last }

// Mean returns the average of held observations, or 0 when empty.
func (w *Window) Mean() float64 {
	n := w.Len()
	if n == 0 {
		return 0
	}
	return w.sum / float64(n)
}

// StdDev returns the population standard deviation of held observations.
// Windows are small so a direct pass beats maintaining a running sum of
// squares and its drift.
func (w *Window) StdDev() float64 {
	n := w.Len()
	if n < 2 {
		return 0
	}
	mean := w.Mean()
	var acc float64
	for i := 0; i < n; i++ {
		d := w.at(i) - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(n))
}

// ZScore returns how many standard deviations v sits from the window mean.
// Returns 0 when the window has no spread.
func (w *Window) ZScore(v float64) float64 {
	sd := w.StdDev()
	if sd == 0 {
		return 0
	}
	return (v - w.Mean()) / sd
}

// Direction reports the sign of the movement across the window:
// +1 rising, -1 falling, 0 flat or insufficient data.
func (w *Window) Direction() int {
	n := w.Len()
	if n < 2 {
		return 0
	}
	oldest := w.at(0)
	switch {
	case w.last > oldest:
		return 1
	case w.last < oldest:
		return -1
	default:
		return 0
	}
}

// Values returns held observations ordered oldest to newest.
func (w *Window) Values() []float64 {
	n := w.Len()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = w.at(i)
	}
	return out
}

// at maps a logical index (0 = oldest) to the physical buffer position.
func (w *Window) at(i int) float64 {
	if w.count < w.cap {
		return w.buf[i]
	}
	return w.buf[(w.idx+i)%w.cap]
}
