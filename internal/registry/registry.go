// Package registry tracks every data source the pipeline can fall back to,
// scores them continuously from probe and fetch outcomes, and fails over
// away from a degrading primary. Sources register at startup and are
// re-scored forever; they are never deleted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/history"
	"mdpipeline/internal/model"
)

// ErrAllSourcesUnavailable means every registered source was tried or
// skipped; callers must surface this rather than retry forever.
var ErrAllSourcesUnavailable = errors.New("registry: all sources unavailable")

// Fetcher is the access surface a source exposes to the registry.
type Fetcher interface {
	// Fetch returns current ticks for symbols. Partial results are fine.
	Fetch(ctx context.Context, symbols []string) ([]model.Tick, error)
	// Probe performs a cheap health check.
	Probe(ctx context.Context) error
}

// Config tunes probing, scoring and failover.
type Config struct {
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	WindowSize           int
	FailThreshold        int
	FailoverAvailability float64
	FailoverCooldown     time.Duration
	MaxStaleness         time.Duration
	WeightAvailability   float64
	WeightAccuracy       float64
	WeightFreshness      float64
}

func (c *Config) defaults() {
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.WindowSize == 0 {
		c.WindowSize = 20
	}
	if c.FailThreshold == 0 {
		c.FailThreshold = 3
	}
	if c.FailoverAvailability == 0 {
		c.FailoverAvailability = 0.8
	}
	if c.FailoverCooldown == 0 {
		c.FailoverCooldown = 60 * time.Second
	}
	if c.MaxStaleness == 0 {
		c.MaxStaleness = 30 * time.Second
	}
	if c.WeightAvailability == 0 && c.WeightAccuracy == 0 && c.WeightFreshness == 0 {
		c.WeightAvailability = 0.4
		c.WeightAccuracy = 0.3
		c.WeightFreshness = 0.3
	}
}

// source is one registered data source plus its rolling health bookkeeping.
// All fields are guarded by the registry mutex.
type source struct {
	id      string
	tier    Tier
	fetcher Fetcher

	status        Status
	window        *history.Window // 1.0 per success, 0.0 per failure
	consecFails   int
	inaccuracy    float64 // EWMA of relative deviation vs consensus, [0,1]
	stalenessNorm float64 // staleness / MaxStaleness, capped at 1
}

// availability is the success ratio over the rolling outcome window.
// A source with no outcomes yet is assumed available.
func (s *source) availability() float64 {
	if s.window.Len() == 0 {
		return 1.0
	}
	return s.window.Mean()
}

// score is the composite selection score.
func (s *source) score(cfg *Config) float64 {
	return cfg.WeightAvailability*s.availability() +
		cfg.WeightAccuracy*(1-s.inaccuracy) +
		cfg.WeightFreshness*(1-s.stalenessNorm)
}

// Info is an externally visible snapshot of one source.
type Info struct {
	ID           string  `json:"id"`
	Tier         string  `json:"tier"`
	Status       string  `json:"status"`
	Availability float64 `json:"availability"`
	Score        float64 `json:"score"`
	ConsecFails  int     `json:"consecutive_failures"`
	Inaccuracy   float64 `json:"inaccuracy"`
	Staleness    float64 `json:"staleness"`
}

// Registry owns all fallback sources.
type Registry struct {
	cfg Config
	log *zap.Logger

	mu           sync.Mutex
	sources      []*source
	byID         map[string]*source
	active       *source
	lastFailover time.Time

	// OnAlert receives failover and degradation alerts. Optional.
	OnAlert func(model.Alert)
}

// New creates an empty registry.
func New(cfg Config, log *zap.Logger) *Registry {
	cfg.defaults()
	return &Registry{
		cfg:  cfg,
		log:  log.Named("registry"),
		byID: make(map[string]*source),
	}
}

// Register adds a source. The first usable source selected becomes ACTIVE.
// Registering an existing ID replaces its fetcher but keeps its history.
func (r *Registry) Register(id string, tier Tier, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		s.fetcher = f
		s.tier = tier
		return
	}
	s := &source{
		id:      id,
		tier:    tier,
		fetcher: f,
		status:  StatusStandby,
		window:  history.NewWindow(r.cfg.WindowSize),
	}
	r.sources = append(r.sources, s)
	r.byID[id] = s
	if r.active == nil {
		r.promoteLocked(s)
	}
	r.log.Info("source registered", zap.String("source", id), zap.String("tier", tier.String()))
}

// SetMaintenance moves a source in or out of MAINTENANCE. A source leaving
// maintenance re-enters rotation as STANDBY.
func (r *Registry) SetMaintenance(id string, on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	if on {
		if r.active == s {
			r.active = nil
		}
		s.status = StatusMaintenance
	} else if s.status == StatusMaintenance {
		s.status = StatusStandby
	}
	return true
}

// Run executes the probe sweep on an interval until ctx is cancelled. One
// sweep runs up front so every source is scored before the first interval
// elapses.
func (r *Registry) Run(ctx context.Context) {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep probes every non-maintenance source once, applies status changes
// and re-evaluates the active selection.
func (r *Registry) Sweep(ctx context.Context) {
	r.mu.Lock()
	targets := make([]*source, 0, len(r.sources))
	for _, s := range r.sources {
		if s.status != StatusMaintenance {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		err := s.fetcher.Probe(pctx)
		cancel()
		r.recordOutcome(s.id, err == nil)
		if err != nil {
			r.log.Debug("probe failed", zap.String("source", s.id), zap.Error(err))
		}
	}

	r.evaluate(time.Now())
}

// recordOutcome folds one probe or fetch outcome into the source's window
// and applies the consecutive-failure threshold.
func (r *Registry) recordOutcome(id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, found := r.byID[id]
	if !found {
		return
	}
	if ok {
		s.window.Push(1)
		s.consecFails = 0
		if s.status == StatusFailed {
			s.status = StatusStandby
			r.log.Info("source recovered", zap.String("source", id))
		}
		return
	}
	s.window.Push(0)
	s.consecFails++
	if s.consecFails >= r.cfg.FailThreshold && s.status != StatusFailed {
		s.status = StatusFailed
		if r.active == s {
			r.active = nil
		}
		r.log.Warn("source marked failed",
			zap.String("source", id),
			zap.Int("consecutive_failures", s.consecFails))
		r.alert(model.NewAlert(model.AlertSourceDegraded, model.SeverityHigh,
			fmt.Sprintf("source %s marked failed after %d consecutive failures", id, s.consecFails)))
	}
}

// markFetchFailed fails a source outright. A fetch error on a live request
// is stronger evidence than a missed probe, so the consecutive-failure
// threshold does not apply; recovery goes through the probe sweep. The
// active pointer is left in place so the following evaluate logs the
// failover with the real predecessor.
func (r *Registry) markFetchFailed(id string) {
	r.mu.Lock()
	s, found := r.byID[id]
	if !found {
		r.mu.Unlock()
		return
	}
	s.window.Push(0)
	s.consecFails++
	if s.status == StatusFailed {
		r.mu.Unlock()
		return
	}
	s.status = StatusFailed
	r.mu.Unlock()

	r.log.Warn("source marked failed on fetch error", zap.String("source", id))
	r.alert(model.NewAlert(model.AlertSourceDegraded, model.SeverityHigh,
		fmt.Sprintf("source %s marked failed after fetch error", id)))
}

// RecordInaccuracy folds an observed relative deviation between this
// source's data and the consensus into its accuracy estimate.
func (r *Registry) RecordInaccuracy(id string, deviation float64) {
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > 1 {
		deviation = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		const alpha = 0.2
		s.inaccuracy = alpha*deviation + (1-alpha)*s.inaccuracy
	}
}

// recordStaleness updates the freshness penalty from observed data age.
func (r *Registry) recordStaleness(s *source, age time.Duration) {
	norm := float64(age) / float64(r.cfg.MaxStaleness)
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}
	s.stalenessNorm = norm
}

// evaluate re-selects the active source when the current one is failed,
// missing or degraded below the failover availability threshold. Failovers
// for degradation (as opposed to outright failure) respect the cooldown.
func (r *Registry) evaluate(now time.Time) {
	r.mu.Lock()
	act := r.active
	degraded := act == nil || !act.status.usable() || act.availability() < r.cfg.FailoverAvailability
	if !degraded {
		r.mu.Unlock()
		return
	}
	inCooldown := now.Sub(r.lastFailover) < r.cfg.FailoverCooldown
	if act != nil && act.status.usable() && inCooldown {
		// Degraded but alive: cooldown suppresses another automatic switch.
		r.mu.Unlock()
		return
	}

	next := r.selectLocked(act)
	if next == nil || next == act {
		r.mu.Unlock()
		return
	}

	fromID := "none"
	if act != nil {
		fromID = act.id
		if act.status == StatusActive {
			act.status = StatusStandby
		}
	}
	r.promoteLocked(next)
	r.lastFailover = now
	r.mu.Unlock()

	r.log.Warn("failover",
		zap.String("from", fromID),
		zap.String("to", next.id))
	r.alert(model.NewAlert(model.AlertSourceFailover, model.SeverityHigh,
		fmt.Sprintf("failover from %s to %s", fromID, next.id)))
}

// promoteLocked marks s ACTIVE. Caller holds the registry mutex.
func (r *Registry) promoteLocked(s *source) {
	s.status = StatusActive
	r.active = s
}

// selectLocked walks tiers in order and picks the highest-scoring usable
// source in the first tier that has one. exclude keeps a degraded active
// source from re-selecting itself. Caller holds the registry mutex.
func (r *Registry) selectLocked(exclude *source) *source {
	for _, tier := range tiers {
		var best *source
		var bestScore float64
		for _, s := range r.sources {
			if s == exclude || s.tier != tier || !s.status.usable() {
				continue
			}
			sc := s.score(&r.cfg)
			if best == nil || sc > bestScore {
				best, bestScore = s, sc
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// candidatesLocked returns every usable source in try-order: the active
// source first, then tier walk with best score first within each tier.
func (r *Registry) candidatesLocked() []*source {
	var out []*source
	if r.active != nil && r.active.status.usable() {
		out = append(out, r.active)
	}
	for _, tier := range tiers {
		tierSources := make([]*source, 0)
		for _, s := range r.sources {
			if s.tier != tier || !s.status.usable() || s == r.active {
				continue
			}
			tierSources = append(tierSources, s)
		}
		// insertion sort by score desc; tiers hold a handful of sources
		for i := 1; i < len(tierSources); i++ {
			for j := i; j > 0 && tierSources[j].score(&r.cfg) > tierSources[j-1].score(&r.cfg); j-- {
				tierSources[j], tierSources[j-1] = tierSources[j-1], tierSources[j]
			}
		}
		out = append(out, tierSources...)
	}
	return out
}

// GetData fetches symbols from the best available source, walking down the
// candidate list on failure. Selection is re-evaluated first so a degraded
// active source is replaced before it serves another request, and a fetch
// error fails that source on the spot. Exhaustion returns
// ErrAllSourcesUnavailable.
func (r *Registry) GetData(ctx context.Context, symbols []string) ([]model.Tick, error) {
	r.evaluate(time.Now())

	r.mu.Lock()
	candidates := r.candidatesLocked()
	r.mu.Unlock()

	if len(candidates) == 0 {
		return nil, ErrAllSourcesUnavailable
	}

	var lastErr error
	for _, s := range candidates {
		if ctx.Err() != nil {
			break
		}
		ticks, err := s.fetcher.Fetch(ctx, symbols)
		if err != nil {
			lastErr = err
			r.markFetchFailed(s.id)
			r.evaluate(time.Now())
			r.log.Warn("source fetch failed, trying next candidate",
				zap.String("source", s.id), zap.Error(err))
			continue
		}
		r.recordOutcome(s.id, true)

		now := time.Now()
		var oldest time.Duration
		for _, t := range ticks {
			if age := now.Sub(t.TS); age > oldest {
				oldest = age
			}
		}
		r.mu.Lock()
		if src, ok := r.byID[s.id]; ok && len(ticks) > 0 {
			r.recordStaleness(src, oldest)
		}
		r.mu.Unlock()

		return ticks, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrAllSourcesUnavailable, lastErr)
	}
	return nil, ErrAllSourcesUnavailable
}

// ActiveID returns the current active source ID, or "".
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.id
}

// Snapshot returns per-source health in registration order.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, Info{
			ID:           s.id,
			Tier:         s.tier.String(),
			Status:       s.status.String(),
			Availability: s.availability(),
			Score:        s.score(&r.cfg),
			ConsecFails:  s.consecFails,
			Inaccuracy:   s.inaccuracy,
			Staleness:    s.stalenessNorm,
		})
	}
	return out
}

func (r *Registry) alert(a model.Alert) {
	if r.OnAlert != nil {
		r.OnAlert(a)
	}
}
