// Package cache layers four tick sources behind one lookup: a tiny
// in-process map (L1), a shared redis cache (L2), the live connection
// pool (L3) and the vendor fallback registry (L4). Live data backfills
// the caches on the way out; vendor data is served but never cached.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/history"
	"mdpipeline/internal/model"
)

// Layer identifies which level served a symbol.
type Layer int

const (
	LayerNone Layer = iota
	LayerL1
	LayerL2
	LayerL3
	LayerL4
)

func (l Layer) String() string {
	switch l {
	case LayerL1:
		return "l1_memory"
	case LayerL2:
		return "l2_redis"
	case LayerL3:
		return "l3_live"
	case LayerL4:
		return "l4_vendor"
	default:
		return "none"
	}
}

// Cached reports whether the layer counts toward the cache hit rate.
func (l Layer) Cached() bool { return l == LayerL1 || l == LayerL2 }

// Authoritative is the live market connection surface behind L3.
type Authoritative interface {
	Fetch(ctx context.Context, symbols []string, maxAge time.Duration) ([]model.Tick, error)
	AnyHealthy() bool
}

// Fallback is the vendor source registry behind L4.
type Fallback interface {
	GetData(ctx context.Context, symbols []string) ([]model.Tick, error)
}

// Config tunes the layers and the background loops.
type Config struct {
	L1TTL       time.Duration
	L1Capacity  int
	L1EvictFrac float64
	L1Growth    float64 // capacity multiplier applied on low hit rate
	L1MaxGrowth float64 // growth ceiling as a multiple of the base capacity

	L2          RedisConfig
	L2TTL       time.Duration
	L2OpTimeout time.Duration

	L3Timeout time.Duration
	L4Timeout time.Duration

	WarmInterval time.Duration
	HotSymbols   []string

	MonitorInterval time.Duration
	MaxAvgLatency   time.Duration
	MinHitRate      float64
	MaxErrorRate    float64

	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

func (c *Config) defaults() {
	if c.L1TTL == 0 {
		c.L1TTL = 100 * time.Millisecond
	}
	if c.L1Capacity == 0 {
		c.L1Capacity = 1000
	}
	if c.L1EvictFrac == 0 {
		c.L1EvictFrac = 0.1
	}
	if c.L1Growth == 0 {
		c.L1Growth = 1.5
	}
	if c.L1MaxGrowth == 0 {
		c.L1MaxGrowth = 4
	}
	if c.L2TTL == 0 {
		c.L2TTL = 5 * time.Second
	}
	if c.L2OpTimeout == 0 {
		c.L2OpTimeout = 100 * time.Millisecond
	}
	if c.L3Timeout == 0 {
		c.L3Timeout = 2 * time.Second
	}
	if c.L4Timeout == 0 {
		c.L4Timeout = 3 * time.Second
	}
	if c.WarmInterval == 0 {
		c.WarmInterval = time.Second
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 10 * time.Second
	}
	if c.MaxAvgLatency == 0 {
		c.MaxAvgLatency = 80 * time.Millisecond
	}
	if c.MinHitRate == 0 {
		c.MinHitRate = 0.7
	}
	if c.MaxErrorRate == 0 {
		c.MaxErrorRate = 0.1
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerResetTimeout == 0 {
		c.BreakerResetTimeout = 10 * time.Second
	}
}

// Result is one lookup with per-symbol layer attribution.
type Result struct {
	Ticks   []model.Tick
	Served  map[string]Layer
	Missing []string
}

// HitRate is the share of requested symbols served from L1 or L2.
func (r Result) HitRate() float64 {
	total := len(r.Served) + len(r.Missing)
	if total == 0 {
		return 0
	}
	hits := 0
	for _, l := range r.Served {
		if l.Cached() {
			hits++
		}
	}
	return float64(hits) / float64(total)
}

// counters are cumulative totals sampled by the monitor loop.
type counters struct {
	requests      uint64
	errors        uint64
	symsRequested uint64
	symsCached    uint64
}

// Hierarchy owns the four layers and their shared bookkeeping.
type Hierarchy struct {
	cfg  Config
	l1   *L1
	l2   *L2
	pool Authoritative
	reg  Fallback
	log  *zap.Logger

	mu        sync.Mutex
	latencies *history.Window // lookup latency, milliseconds
	totals    counters
	lastSnap  counters

	hotFn func() []string

	// OnAlert receives breaker and performance alerts. Optional.
	OnAlert func(model.Alert)
}

// New wires the layers together. The redis breaker is owned here so its
// state changes can raise alerts.
func New(cfg Config, pool Authoritative, reg Fallback, log *zap.Logger) *Hierarchy {
	cfg.defaults()
	h := &Hierarchy{
		cfg:       cfg,
		l1:        NewL1(cfg.L1Capacity, cfg.L1TTL, cfg.L1EvictFrac),
		pool:      pool,
		reg:       reg,
		log:       log.Named("cache"),
		latencies: history.NewWindow(256),
	}

	cb := NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	cb.OnStateChange = func(from, to BreakerState) {
		if to == BreakerOpen {
			h.log.Warn("redis breaker opened",
				zap.String("from", from.String()))
			h.alert(model.NewAlert(model.AlertCircuitOpen, model.SeverityHigh,
				"redis circuit breaker open, skipping shared cache layer"))
			return
		}
		h.log.Info("redis breaker state change",
			zap.String("from", from.String()), zap.String("to", to.String()))
	}
	h.l2 = NewL2(cfg.L2, cfg.L2TTL, cb, h.log)
	return h
}

// SetHotProvider installs a callback that names the symbols the warming
// loop should keep fresh, on top of the configured static list.
func (h *Hierarchy) SetHotProvider(fn func() []string) {
	h.mu.Lock()
	h.hotFn = fn
	h.mu.Unlock()
}

// Get walks the layers for symbols. maxAge bounds acceptable data age;
// cached entries older than it count as misses. Live (L3) data backfills
// L1 and L2, vendor (L4) data is returned uncached. The error is non-nil
// only when no layer produced anything and the lower layers failed.
func (h *Hierarchy) Get(ctx context.Context, symbols []string, maxAge time.Duration) (Result, error) {
	start := time.Now()
	res := Result{Served: make(map[string]Layer, len(symbols))}
	remaining := dedupe(symbols)
	if len(remaining) == 0 {
		return res, nil
	}
	if maxAge <= 0 {
		maxAge = h.cfg.L2TTL
	}

	var reqErr error

	hits, missing := h.l1.Get(remaining)
	hits, stale := splitFresh(hits, maxAge, start)
	attribute(&res, hits, LayerL1)
	remaining = append(missing, stale...)

	if len(remaining) > 0 {
		l2ctx, cancel := context.WithTimeout(ctx, h.cfg.L2OpTimeout)
		l2Hits, l2Miss, err := h.l2.Get(l2ctx, remaining)
		cancel()
		if err != nil {
			// Layer skipped; every symbol stays remaining.
			if err != ErrBreakerOpen {
				h.log.Debug("l2 read failed", zap.Error(err))
			}
		} else {
			l2Hits, stale = splitFresh(l2Hits, maxAge, start)
			attribute(&res, l2Hits, LayerL2)
			h.l1.Put(l2Hits)
			remaining = append(l2Miss, stale...)
		}
	}

	if len(remaining) > 0 {
		l3ctx, cancel := context.WithTimeout(ctx, h.cfg.L3Timeout)
		ticks, err := h.pool.Fetch(l3ctx, remaining, maxAge)
		cancel()
		if err != nil && len(ticks) == 0 {
			reqErr = err
		}
		if len(ticks) > 0 {
			attribute(&res, ticks, LayerL3)
			h.l1.Put(ticks)
			h.backfillL2(ticks)
			remaining = subtract(remaining, ticks)
		}
	}

	if len(remaining) > 0 {
		l4ctx, cancel := context.WithTimeout(ctx, h.cfg.L4Timeout)
		ticks, err := h.reg.GetData(l4ctx, remaining)
		cancel()
		if err != nil {
			if reqErr == nil {
				reqErr = err
			}
		} else {
			reqErr = nil
			attribute(&res, ticks, LayerL4)
			remaining = subtract(remaining, ticks)
		}
	}

	res.Missing = remaining
	h.record(res, time.Since(start), reqErr)

	if len(res.Ticks) == 0 && reqErr != nil {
		return res, fmt.Errorf("cache: no layer could serve request: %w", reqErr)
	}
	return res, nil
}

// RunWarming pre-fetches hot symbols into L1 and L2 on an interval so the
// next lookup for them is a memory hit.
func (h *Hierarchy) RunWarming(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.WarmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.warmOnce(ctx)
		}
	}
}

func (h *Hierarchy) warmOnce(ctx context.Context) {
	if !h.pool.AnyHealthy() {
		return
	}
	hot := append([]string(nil), h.cfg.HotSymbols...)
	h.mu.Lock()
	fn := h.hotFn
	h.mu.Unlock()
	if fn != nil {
		hot = append(hot, fn()...)
	}
	hot = dedupe(hot)
	if len(hot) == 0 {
		return
	}

	missing := h.l1.Peek(hot)
	if len(missing) == 0 {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, h.cfg.L3Timeout)
	ticks, err := h.pool.Fetch(fctx, missing, h.cfg.L2TTL)
	cancel()
	if err != nil {
		h.log.Debug("warming fetch failed", zap.Error(err))
	}
	if len(ticks) == 0 {
		return
	}
	h.l1.Put(ticks)
	h.backfillL2(ticks)
	h.log.Debug("warmed hot symbols", zap.Int("count", len(ticks)))
}

// RunMonitor watches rolling performance on an interval and reacts:
// degradation raises alerts, and a sustained low hit rate additionally
// grows L1 toward its capacity ceiling.
func (h *Hierarchy) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.monitorStep()
		}
	}
}

func (h *Hierarchy) monitorStep() {
	h.mu.Lock()
	prev := h.lastSnap
	cur := h.totals
	h.lastSnap = cur
	avgMS := h.latencies.Mean()
	h.mu.Unlock()

	dReq := cur.requests - prev.requests
	if dReq == 0 {
		return // idle interval, nothing to judge
	}
	dSyms := cur.symsRequested - prev.symsRequested
	dCached := cur.symsCached - prev.symsCached
	errRate := float64(cur.errors-prev.errors) / float64(dReq)
	hitRate := 0.0
	if dSyms > 0 {
		hitRate = float64(dCached) / float64(dSyms)
	}

	maxAvg := float64(h.cfg.MaxAvgLatency.Milliseconds())
	if avgMS > maxAvg {
		h.alert(model.NewAlert(model.AlertCachePerformance, model.SeverityMedium,
			fmt.Sprintf("average lookup latency %.1fms above %.0fms target", avgMS, maxAvg)))
	}
	if hitRate < h.cfg.MinHitRate {
		if newCap := h.l1.Grow(h.cfg.L1Growth, h.cfg.L1MaxGrowth); newCap > 0 {
			h.log.Info("grew l1 capacity on low hit rate",
				zap.Int("capacity", newCap), zap.Float64("hit_rate", hitRate))
		}
		h.alert(model.NewAlert(model.AlertCachePerformance, model.SeverityMedium,
			fmt.Sprintf("cache hit rate %.0f%% below %.0f%% target",
				hitRate*100, h.cfg.MinHitRate*100)))
	}
	if errRate > h.cfg.MaxErrorRate {
		h.alert(model.NewAlert(model.AlertCachePerformance, model.SeverityHigh,
			fmt.Sprintf("lookup error rate %.0f%% above %.0f%% limit",
				errRate*100, h.cfg.MaxErrorRate*100)))
	}
}

// Stats is a point-in-time view for health and metrics export.
type Stats struct {
	L1Size       int     `json:"l1_size"`
	L1Capacity   int     `json:"l1_capacity"`
	L1Hits       uint64  `json:"l1_hits"`
	L1Misses     uint64  `json:"l1_misses"`
	L1Evictions  uint64  `json:"l1_evictions"`
	Requests     uint64  `json:"requests"`
	Errors       uint64  `json:"errors"`
	HitRate      float64 `json:"hit_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	BreakerState string  `json:"breaker_state"`
}

// Snapshot returns cumulative cache statistics.
func (h *Hierarchy) Snapshot() Stats {
	hits, misses, evictions := h.l1.Counters()
	h.mu.Lock()
	t := h.totals
	avg := h.latencies.Mean()
	h.mu.Unlock()

	rate := 0.0
	if t.symsRequested > 0 {
		rate = float64(t.symsCached) / float64(t.symsRequested)
	}
	return Stats{
		L1Size:       h.l1.Len(),
		L1Capacity:   h.l1.Capacity(),
		L1Hits:       hits,
		L1Misses:     misses,
		L1Evictions:  evictions,
		Requests:     t.requests,
		Errors:       t.errors,
		HitRate:      rate,
		AvgLatencyMS: avg,
		BreakerState: h.l2.Breaker().State().String(),
	}
}

// Close releases the redis client.
func (h *Hierarchy) Close() error { return h.l2.Close() }

func (h *Hierarchy) record(res Result, elapsed time.Duration, reqErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totals.requests++
	if reqErr != nil {
		h.totals.errors++
	}
	h.latencies.Push(float64(elapsed.Microseconds()) / 1000.0)
	h.totals.symsRequested += uint64(len(res.Served) + len(res.Missing))
	for _, l := range res.Served {
		if l.Cached() {
			h.totals.symsCached++
		}
	}
}

func (h *Hierarchy) backfillL2(ticks []model.Tick) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.L2OpTimeout)
		defer cancel()
		if err := h.l2.Put(ctx, ticks); err != nil && err != ErrBreakerOpen {
			h.log.Debug("l2 backfill failed", zap.Error(err))
		}
	}()
}

func (h *Hierarchy) alert(a model.Alert) {
	if h.OnAlert != nil {
		h.OnAlert(a)
	}
}

func attribute(res *Result, ticks []model.Tick, layer Layer) {
	for _, t := range ticks {
		res.Ticks = append(res.Ticks, t)
		res.Served[t.Symbol] = layer
	}
}

// splitFresh separates ticks young enough for maxAge from the symbols of
// those that are not.
func splitFresh(ticks []model.Tick, maxAge time.Duration, now time.Time) ([]model.Tick, []string) {
	var fresh []model.Tick
	var stale []string
	for _, t := range ticks {
		if now.Sub(t.TS) > maxAge {
			stale = append(stale, t.Symbol)
			continue
		}
		fresh = append(fresh, t)
	}
	return fresh, stale
}

func subtract(symbols []string, got []model.Tick) []string {
	have := make(map[string]struct{}, len(got))
	for _, t := range got {
		have[t.Symbol] = struct{}{}
	}
	var out []string
	for _, s := range symbols {
		if _, ok := have[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
