// Package pipeline wires the market data components into one
// orchestrator: requests served through the cache hierarchy with
// per-tick validation attached, live tick ingest fanned out to
// registered handlers, and the background loops that keep connections,
// sources, caches and validation tiers healthy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/alerting"
	"mdpipeline/internal/cache"
	"mdpipeline/internal/dispatch"
	"mdpipeline/internal/distribution"
	"mdpipeline/internal/metrics"
	"mdpipeline/internal/model"
	"mdpipeline/internal/pool"
	"mdpipeline/internal/registry"
	"mdpipeline/internal/validation"
)

// Feed is the live connection surface the orchestrator supervises.
// *pool.Pool satisfies it.
type Feed interface {
	Subscribe(symbols []string) bool
	Unsubscribe(symbols []string) bool
	AnyHealthy() bool
	HealthyCount() int
	Revive(ctx context.Context) int
}

// Config tunes orchestrator behavior.
type Config struct {
	DefaultMaxAge      time.Duration // applied when a request passes zero max age
	TickBuffer         int           // ingest channel size
	SupervisorInterval time.Duration // connection revival + gauge sync cadence
	RebalanceInterval  time.Duration // distribution recomputation cadence
	LatencySamples     int           // request latency samples kept for percentiles
}

func (c *Config) defaults() {
	if c.DefaultMaxAge == 0 {
		c.DefaultMaxAge = 5 * time.Second
	}
	if c.TickBuffer == 0 {
		c.TickBuffer = 10000
	}
	if c.SupervisorInterval == 0 {
		c.SupervisorInterval = 5 * time.Second
	}
	if c.RebalanceInterval == 0 {
		c.RebalanceInterval = 5 * time.Minute
	}
	if c.LatencySamples == 0 {
		c.LatencySamples = 10000
	}
}

// Deps carries the constructed components the pipeline orchestrates.
// Metrics and Health are optional; everything else is required.
type Deps struct {
	Distribution *distribution.Manager
	Feed         Feed
	Registry     *registry.Registry
	Cache        *cache.Hierarchy
	Validator    *validation.Validator
	Dispatch     *dispatch.Dispatcher
	Alerts       *alerting.Manager
	Metrics      *metrics.Metrics
	Health       *metrics.HealthStatus
}

// Request asks for current data for a symbol set.
type Request struct {
	Symbols []string      `json:"symbols"`
	MaxAge  time.Duration `json:"max_age"`
}

// PercentileStats summarizes request latency.
type PercentileStats struct {
	P50 float64 `json:"p50_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
}

// Response is one served request: the data, per-symbol validation, and
// the performance envelope it was served under.
type Response struct {
	Data             []model.Tick                      `json:"data"`
	Validation       map[string]model.ValidationResult `json:"validation_results"`
	Performance      PercentileStats                   `json:"performance_metrics"`
	CacheHitRate     float64                           `json:"cache_hit_rate"`
	ProcessingTimeMS float64                           `json:"processing_time_ms"`
	Missing          []string                          `json:"missing,omitempty"`
}

// Pipeline is the orchestrator.
type Pipeline struct {
	cfg Config
	log *zap.Logger

	dist   *distribution.Manager
	feed   Feed
	reg    *registry.Registry
	cache  *cache.Hierarchy
	val    *validation.Validator
	disp   *dispatch.Dispatcher
	alerts *alerting.Manager
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	latency *LatencyTracker
	ticks   chan model.Tick

	mu         sync.Mutex
	subscribed map[string]struct{}
	plan       model.SymbolDistribution

	droppedTicks atomic.Uint64
}

// New wires the components together. The alert funnel, hot-symbol
// provider and dispatch drop accounting are installed here.
func New(cfg Config, deps Deps, log *zap.Logger) (*Pipeline, error) {
	cfg.defaults()
	switch {
	case deps.Distribution == nil:
		return nil, errors.New("pipeline: distribution manager required")
	case deps.Feed == nil:
		return nil, errors.New("pipeline: feed required")
	case deps.Registry == nil:
		return nil, errors.New("pipeline: source registry required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: cache hierarchy required")
	case deps.Validator == nil:
		return nil, errors.New("pipeline: validator required")
	case deps.Dispatch == nil:
		return nil, errors.New("pipeline: dispatcher required")
	case deps.Alerts == nil:
		return nil, errors.New("pipeline: alert manager required")
	}

	p := &Pipeline{
		cfg:        cfg,
		log:        log.Named("pipeline"),
		dist:       deps.Distribution,
		feed:       deps.Feed,
		reg:        deps.Registry,
		cache:      deps.Cache,
		val:        deps.Validator,
		disp:       deps.Dispatch,
		alerts:     deps.Alerts,
		prom:       deps.Metrics,
		health:     deps.Health,
		latency:    NewLatencyTracker(cfg.LatencySamples),
		ticks:      make(chan model.Tick, cfg.TickBuffer),
		subscribed: make(map[string]struct{}),
	}

	deps.Cache.OnAlert = p.raise
	deps.Registry.OnAlert = p.raise
	deps.Validator.OnAlert = p.raise
	deps.Cache.SetHotProvider(p.hotSymbols)
	if p.prom != nil {
		deps.Dispatch.OnDrop = func(idx int) {
			p.prom.HandlerDrops.WithLabelValues(strconv.Itoa(idx)).Inc()
		}
	}
	if p.health != nil {
		p.health.SetAlertProvider(deps.Alerts.Recent)
	}
	return p, nil
}

// Run starts the background loops and blocks until ctx is cancelled.
// The dispatcher is drained and closed on the way out; components are
// closed by whoever constructed them.
func (p *Pipeline) Run(ctx context.Context) {
	go p.alerts.Run(ctx)
	go p.reg.Run(ctx)
	go p.cache.RunWarming(ctx)
	go p.cache.RunMonitor(ctx)
	go p.val.RunAdaptive(ctx)
	go p.runWorker(ctx)
	go p.supervise(ctx)
	go p.rebalance(ctx)

	p.log.Info("pipeline running")
	<-ctx.Done()
	p.disp.Close()
}

// GetMarketData serves one request: distribution accounting, the cache
// hierarchy walk, validation of everything served, and the latency
// percentiles of the request path itself.
func (p *Pipeline) GetMarketData(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	symbols := normalize(req.Symbols)
	if len(symbols) == 0 {
		return nil, errors.New("pipeline: request names no symbols")
	}
	maxAge := req.MaxAge
	if maxAge <= 0 {
		maxAge = p.cfg.DefaultMaxAge
	}

	for _, s := range symbols {
		p.dist.RecordAccess(s)
	}

	res, err := p.cache.Get(ctx, symbols, maxAge)
	if err != nil {
		p.observeRequest(start, res)
		return nil, fmt.Errorf("get market data: %w", err)
	}

	resp := &Response{
		Validation:   make(map[string]model.ValidationResult, len(res.Ticks)),
		Missing:      res.Missing,
		CacheHitRate: res.HitRate(),
	}
	for _, t := range res.Ticks {
		vr := p.val.Validate(t)
		resp.Validation[t.Symbol] = vr
		if p.prom != nil {
			p.prom.ValidationTotal.WithLabelValues(vr.Status.String()).Inc()
			p.prom.ValidationDur.Observe(vr.Elapsed.Seconds())
		}
		if !vr.Usable() {
			// Structurally invalid data is reported but never served.
			resp.Missing = append(resp.Missing, t.Symbol)
			continue
		}
		if vr.ConsensusPrice > 0 && t.Source != "" {
			p.reg.RecordInaccuracy(t.Source, (t.Price-vr.ConsensusPrice)/vr.ConsensusPrice)
		}
		resp.Data = append(resp.Data, t)
	}

	elapsed := p.observeRequest(start, res)
	resp.ProcessingTimeMS = float64(elapsed.Microseconds()) / 1000.0
	resp.Performance = p.latency.Snapshot()
	return resp, nil
}

func (p *Pipeline) observeRequest(start time.Time, res cache.Result) time.Duration {
	elapsed := time.Since(start)
	p.latency.Observe(elapsed)
	if p.prom != nil {
		p.prom.RequestsTotal.Inc()
		p.prom.RequestDur.Observe(elapsed.Seconds())
		for _, l := range res.Served {
			p.prom.ServedTotal.WithLabelValues(l.String()).Inc()
		}
	}
	return elapsed
}

// Subscribe adds symbols to the live subscription set, recomputes the
// pool distribution and subscribes them on the feed in plan order, hot
// pools first, so the hottest symbols claim feed capacity before the
// standard remainder. Returns true when at least part of the set ended
// up streaming.
func (p *Pipeline) Subscribe(symbols []string) bool {
	symbols = normalize(symbols)
	if len(symbols) == 0 {
		return false
	}

	p.mu.Lock()
	for _, s := range symbols {
		p.subscribed[s] = struct{}{}
	}
	all := p.subscribedLocked()
	p.mu.Unlock()

	plan := p.dist.Distribute(all)
	p.mu.Lock()
	p.plan = plan
	p.mu.Unlock()

	ok := p.feed.Subscribe(planOrder(plan, symbols))
	if !ok {
		p.log.Warn("subscribe placed nothing", zap.Int("symbols", len(symbols)))
	}
	if p.health != nil {
		p.health.SetSubscribed(len(all))
	}
	return ok
}

// planOrder returns want ordered by the distribution plan: hot pool
// symbols first (hot-0 onward, each pool already priority-sorted), then
// the standard remainder. Symbols the plan does not place keep their
// request order at the end.
func planOrder(plan model.SymbolDistribution, want []string) []string {
	wanted := make(map[string]struct{}, len(want))
	for _, s := range want {
		wanted[s] = struct{}{}
	}
	out := make([]string, 0, len(want))
	take := func(pool []string) {
		for _, s := range pool {
			if _, ok := wanted[s]; ok {
				out = append(out, s)
				delete(wanted, s)
			}
		}
	}
	for i := 0; ; i++ {
		pool, ok := plan.Pools[fmt.Sprintf("%s%d", distribution.HotPoolPrefix, i)]
		if !ok {
			break
		}
		take(pool)
	}
	take(plan.Pools[distribution.StandardPool])
	for _, s := range want {
		if _, ok := wanted[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Unsubscribe removes symbols from the subscription set and the feed.
func (p *Pipeline) Unsubscribe(symbols []string) bool {
	symbols = normalize(symbols)
	if len(symbols) == 0 {
		return false
	}

	p.mu.Lock()
	for _, s := range symbols {
		delete(p.subscribed, s)
	}
	all := p.subscribedLocked()
	p.mu.Unlock()

	plan := p.dist.Distribute(all)
	p.mu.Lock()
	p.plan = plan
	p.mu.Unlock()

	ok := p.feed.Unsubscribe(symbols)
	if p.health != nil {
		p.health.SetSubscribed(len(all))
	}
	return ok
}

// Subscribed returns the current subscription set, sorted.
func (p *Pipeline) Subscribed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribedLocked()
}

func (p *Pipeline) subscribedLocked() []string {
	out := make([]string, 0, len(p.subscribed))
	for s := range p.subscribed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// AddDataHandler registers a tick consumer. Each handler sees a tick at
// most once and a slow handler only ever loses its own ticks.
func (p *Pipeline) AddDataHandler(fn func(model.Tick)) int {
	return p.disp.Add(fn)
}

// AddAlertHandler registers an alert consumer.
func (p *Pipeline) AddAlertHandler(fn func(model.Alert)) int {
	return p.alerts.AddHandler(fn)
}

// Ingest accepts one live tick from the feed. Never blocks; wire it as
// the pool's tick callback.
func (p *Pipeline) Ingest(t model.Tick) {
	select {
	case p.ticks <- t:
	default:
		p.droppedTicks.Add(1)
		if p.prom != nil {
			p.prom.TicksDropped.Inc()
		}
	}
}

// ConnStateChanged mirrors feed connection transitions into metrics and
// alerts. Wire it as the pool's state change callback.
func (p *Pipeline) ConnStateChanged(id string, from, to pool.State) {
	switch to {
	case pool.StateReconnecting:
		if p.prom != nil {
			p.prom.FeedReconnects.Inc()
		}
	case pool.StateFailed:
		p.raise(model.NewAlert(model.AlertConnectionFailure, model.SeverityCritical,
			fmt.Sprintf("connection %s failed after exhausting reconnects", id)))
	}
	p.log.Debug("connection state change",
		zap.String("conn", id), zap.String("from", from.String()), zap.String("to", to.String()))
}

// DroppedTicks returns ingest drops since start.
func (p *Pipeline) DroppedTicks() uint64 { return p.droppedTicks.Load() }

func (p *Pipeline) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.ticks:
			p.handleTick(t)
		}
	}
}

// handleTick validates one live tick and fans it out. Rejected ticks
// never reach handlers; everything else does, discrepancies included,
// because the validation verdict travels with request responses rather
// than the stream.
func (p *Pipeline) handleTick(t model.Tick) {
	if p.prom != nil {
		p.prom.TicksTotal.Inc()
	}
	if p.health != nil {
		p.health.SetLastTickTime(t.TS)
	}

	vr := p.val.Validate(t)
	if p.prom != nil {
		p.prom.ValidationTotal.WithLabelValues(vr.Status.String()).Inc()
		p.prom.ValidationDur.Observe(vr.Elapsed.Seconds())
	}
	if !vr.Usable() {
		if p.prom != nil {
			p.prom.TicksDropped.Inc()
		}
		return
	}
	p.disp.Publish(t)
}

// supervise revives dead connections and syncs health + gauges.
func (p *Pipeline) supervise(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SupervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.superviseStep(ctx)
		}
	}
}

func (p *Pipeline) superviseStep(ctx context.Context) {
	if n := p.feed.Revive(ctx); n > 0 {
		p.log.Info("revived connections", zap.Int("count", n))
	}

	snap := p.cache.Snapshot()
	if p.health != nil {
		p.health.SetFeedHealthy(p.feed.AnyHealthy())
		p.health.SetActiveSource(p.reg.ActiveID())
		p.health.SetCacheHitRate(snap.HitRate)
	}
	if p.prom == nil {
		return
	}
	p.prom.CacheHitRate.Set(snap.HitRate)
	p.prom.L1Size.Set(float64(snap.L1Size))
	p.prom.L1Capacity.Set(float64(snap.L1Capacity))
	p.prom.BreakerState.Set(breakerGauge(snap.BreakerState))
	for _, info := range p.reg.Snapshot() {
		p.prom.SourceScore.WithLabelValues(info.ID).Set(info.Score)
	}
	for i, qs := range p.disp.QueueStats() {
		if qs.Cap > 0 {
			p.prom.QueueSaturation.WithLabelValues("handler_" + strconv.Itoa(i)).
				Set(float64(qs.Len) / float64(qs.Cap) * 100)
		}
	}
}

// rebalance recomputes the symbol distribution on an interval so access
// pattern shifts move symbols between hot and standard pools.
func (p *Pipeline) rebalance(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.rebalanceStep()
		}
	}
}

func (p *Pipeline) rebalanceStep() {
	p.mu.Lock()
	all := p.subscribedLocked()
	p.mu.Unlock()
	if len(all) == 0 {
		return
	}

	plan := p.dist.Distribute(all)
	p.mu.Lock()
	prev := p.plan
	p.plan = plan
	p.mu.Unlock()

	if len(plan.Pools) != len(prev.Pools) {
		p.log.Info("distribution rebalanced",
			zap.Int("pools", len(plan.Pools)), zap.Int("symbols", plan.Total()))
	}
}

// Plan returns the current symbol-to-pool distribution.
func (p *Pipeline) Plan() model.SymbolDistribution {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := model.SymbolDistribution{Pools: make(map[string][]string, len(p.plan.Pools))}
	for name, syms := range p.plan.Pools {
		cp.Pools[name] = append([]string(nil), syms...)
	}
	return cp
}

// hotSymbols feeds the cache warming loop: every symbol currently in a
// capacity-limited hot pool.
func (p *Pipeline) hotSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for name, syms := range p.plan.Pools {
		if name != distribution.StandardPool {
			out = append(out, syms...)
		}
	}
	return out
}

func (p *Pipeline) raise(a model.Alert) {
	if p.prom != nil {
		p.prom.AlertsTotal.WithLabelValues(a.Severity.String()).Inc()
		switch a.Type {
		case model.AlertSourceFailover:
			p.prom.FailoversTotal.Inc()
		case model.AlertCircuitOpen:
			p.prom.BreakerTrips.Inc()
		}
	}
	p.alerts.Publish(a)
}

// breakerGauge maps breaker state names onto the gauge encoding
// (0=closed, 1=open, 2=half-open).
func breakerGauge(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

func normalize(symbols []string) []string {
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
