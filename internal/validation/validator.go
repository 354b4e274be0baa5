// Package validation runs market ticks through tiered quality checks.
// Every tick gets the fast structural checks; symbols escalated to the
// cross-source tier are additionally compared against their rolling
// consensus, and deep-tier symbols get trend, correlation and z-score
// analysis. A per-symbol adaptive ladder promotes symbols that keep
// failing and demotes symbols with a clean record.
package validation

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/history"
	"mdpipeline/internal/model"
)

// minAdaptObs is how many recorded outcomes a symbol needs before the
// adaptive ladder will move it.
const minAdaptObs = 10

// anomalyAlertInterval throttles per-symbol anomaly alerts.
const anomalyAlertInterval = time.Minute

// Config tunes the check thresholds and the adaptive ladder.
type Config struct {
	MaxStaleness    time.Duration // fast: older data is a discrepancy
	MaxTickJump     float64       // fast: fractional move vs previous tick
	CrossTolerance  float64       // cross: fractional deviation vs consensus
	SigmaBand       float64       // cross: std-dev band that excuses a deviation
	SparseTolerance float64       // cross: fallback tolerance with short history
	MinHistory      int           // cross: observations needed for the sigma band

	TrendDivergence  float64 // deep: fractional divergence vs group trend
	CorrelationBreak float64 // deep: fraction of group moving opposite
	ZScoreLimit      float64 // deep: |z| beyond this is an outlier
	DeepWindow       int     // deep: observations per symbol window

	OutcomeWindow   int           // adaptive: outcomes per symbol
	PromoteFailRate float64       // adaptive: failure rate that promotes
	DemoteFailRate  float64       // adaptive: failure rate that demotes
	AdaptInterval   time.Duration // adaptive: sweep interval

	FastBudget  time.Duration // adaptive: fast-tier processing budget
	CrossBudget time.Duration // adaptive: cross-tier processing budget
	DeepBudget  time.Duration // adaptive: deep-tier processing budget

	Groups map[string][]string // correlated symbol groups by name
}

func (c *Config) defaults() {
	if c.MaxStaleness == 0 {
		c.MaxStaleness = 5 * time.Minute
	}
	if c.MaxTickJump == 0 {
		c.MaxTickJump = 0.20
	}
	if c.CrossTolerance == 0 {
		c.CrossTolerance = 0.01
	}
	if c.SigmaBand == 0 {
		c.SigmaBand = 2.0
	}
	if c.SparseTolerance == 0 {
		c.SparseTolerance = 0.05
	}
	if c.MinHistory == 0 {
		c.MinHistory = 10
	}
	if c.TrendDivergence == 0 {
		c.TrendDivergence = 0.10
	}
	if c.CorrelationBreak == 0 {
		c.CorrelationBreak = 0.50
	}
	if c.ZScoreLimit == 0 {
		c.ZScoreLimit = 3.0
	}
	if c.DeepWindow == 0 {
		c.DeepWindow = 20
	}
	if c.OutcomeWindow == 0 {
		c.OutcomeWindow = 50
	}
	if c.PromoteFailRate == 0 {
		c.PromoteFailRate = 0.20
	}
	if c.DemoteFailRate == 0 {
		c.DemoteFailRate = 0.05
	}
	if c.AdaptInterval == 0 {
		c.AdaptInterval = 30 * time.Second
	}
	if c.FastBudget == 0 {
		c.FastBudget = 5 * time.Millisecond
	}
	if c.CrossBudget == 0 {
		c.CrossBudget = 20 * time.Millisecond
	}
	if c.DeepBudget == 0 {
		c.DeepBudget = 50 * time.Millisecond
	}
}

// finding is one check failure and its contribution to the verdict.
type finding struct {
	reason    string
	status    model.Status
	action    model.Action
	penalty   float64
	consensus float64
}

// actionSeverity orders actions so the most drastic finding wins.
var actionSeverity = map[model.Action]int{
	model.ActionUsePrimary:     0,
	model.ActionUseWithCaution: 1,
	model.ActionRetry:          2,
	model.ActionCrossValidate:  3,
	model.ActionUseConsensus:   4,
	model.ActionInvestigate:    5,
	model.ActionReject:         6,
}

// Validator owns the per-symbol state behind the tiers.
type Validator struct {
	cfg Config
	log *zap.Logger

	series  *history.Series
	groups  map[string][]string
	groupOf map[string]string

	mu          sync.Mutex
	tiers       map[string]model.Tier
	outcomes    map[string]*history.Window
	latency     map[string]*history.Window // validation time per symbol, ms
	lastAnomaly map[string]time.Time

	// OnAlert receives throttled deep-anomaly alerts. Optional.
	OnAlert func(model.Alert)
}

// New creates a validator. Correlated groups come from config and are
// fixed for the process lifetime.
func New(cfg Config, log *zap.Logger) *Validator {
	cfg.defaults()
	v := &Validator{
		cfg:         cfg,
		log:         log.Named("validation"),
		series:      history.NewSeries(cfg.DeepWindow),
		groups:      cfg.Groups,
		groupOf:     make(map[string]string),
		tiers:       make(map[string]model.Tier),
		outcomes:    make(map[string]*history.Window),
		latency:     make(map[string]*history.Window),
		lastAnomaly: make(map[string]time.Time),
	}
	for name, members := range cfg.Groups {
		for _, m := range members {
			v.groupOf[m] = name
		}
	}
	return v
}

// SeedTiers sets the starting tier per symbol from the instrument catalog.
func (v *Validator) SeedTiers(instruments []model.Instrument) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, inst := range instruments {
		v.tiers[inst.Symbol] = inst.WatchTier
	}
}

// SetTier pins a symbol's tier. The adaptive ladder may move it later.
func (v *Validator) SetTier(symbol string, tier model.Tier) {
	v.mu.Lock()
	v.tiers[symbol] = tier
	v.mu.Unlock()
}

// TierOf returns the symbol's current tier. Unknown symbols start fast.
func (v *Validator) TierOf(symbol string) model.Tier {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tiers[symbol]
}

// Validate runs the tick through its symbol's tier.
func (v *Validator) Validate(t model.Tick) model.ValidationResult {
	return v.ValidateAt(t, time.Now())
}

// ValidateAt is Validate with an explicit clock for the time-based checks.
func (v *Validator) ValidateAt(t model.Tick, now time.Time) model.ValidationResult {
	start := time.Now()
	tier := v.TierOf(t.Symbol)

	res := model.ValidationResult{
		Symbol: t.Symbol,
		Status: model.StatusValidated,
		Tier:   tier,
	}

	findings := v.fastChecks(t, now)
	structural := false
	for _, f := range findings {
		if f.status == model.StatusFailed {
			structural = true
			break
		}
	}
	if !structural {
		if tier >= model.TierCrossSource {
			findings = append(findings, v.crossChecks(t)...)
		}
		if tier >= model.TierDeep {
			findings = append(findings, v.deepChecks(t, now)...)
		}
	}

	v.assemble(&res, t, findings)
	res.Elapsed = time.Since(start)
	v.observe(t, res)
	return res
}

// assemble folds findings into the final status, action and confidence.
func (v *Validator) assemble(res *model.ValidationResult, t model.Tick, findings []finding) {
	conf := 1.0
	for _, f := range findings {
		res.Reasons = append(res.Reasons, f.reason)
		if f.status > res.Status {
			res.Status = f.status
		}
		conf -= f.penalty
		if f.consensus > 0 {
			res.ConsensusPrice = f.consensus
		}
	}

	if res.Status == model.StatusFailed {
		res.Confidence = 0
		res.Action = model.ActionReject
		return
	}

	if conf < 0.05 {
		conf = 0.05
	}
	tickConf := t.Confidence
	if tickConf <= 0 || tickConf > 1 {
		tickConf = 1
	}
	res.Confidence = conf * tickConf

	if len(findings) == 0 {
		if tickConf < 1 {
			res.Action = model.ActionUseWithCaution
		} else {
			res.Action = model.ActionUsePrimary
		}
		return
	}
	best := findings[0].action
	for _, f := range findings[1:] {
		if actionSeverity[f.action] > actionSeverity[best] {
			best = f.action
		}
	}
	res.Action = best
}

// observe records the tick for future consensus checks plus the outcome
// and processing time for the adaptive ladder. Structurally failed ticks
// never enter history.
func (v *Validator) observe(t model.Tick, res model.ValidationResult) {
	if res.Status != model.StatusFailed {
		v.series.Observe(t.Symbol, t.Price, t.TS)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.outcomes[t.Symbol]
	if !ok {
		w = history.NewWindow(v.cfg.OutcomeWindow)
		v.outcomes[t.Symbol] = w
	}
	if res.Status == model.StatusValidated {
		w.Push(0)
	} else {
		w.Push(1)
	}
	lw, ok := v.latency[t.Symbol]
	if !ok {
		lw = history.NewWindow(v.cfg.OutcomeWindow)
		v.latency[t.Symbol] = lw
	}
	lw.Push(float64(res.Elapsed.Microseconds()) / 1000.0)
}

// RunAdaptive sweeps the ladder on an interval until ctx is cancelled.
func (v *Validator) RunAdaptive(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.AdaptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.adaptOnce()
		}
	}
}

// adaptOnce moves symbols up or down the tier ladder based on their
// recent failure rate. A symbol is only ever demoted when its failure
// rate sits below both thresholds and its recent processing time fits
// inside the current tier's budget.
func (v *Validator) adaptOnce() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for sym, w := range v.outcomes {
		if w.Len() < minAdaptObs {
			continue
		}
		rate := w.Mean()
		cur := v.tiers[sym]
		switch {
		case rate > v.cfg.PromoteFailRate:
			if next := cur.Promote(); next != cur {
				v.tiers[sym] = next
				v.log.Info("promoted validation tier",
					zap.String("symbol", sym),
					zap.Float64("failure_rate", rate),
					zap.String("tier", next.String()))
			}
		case rate < v.cfg.DemoteFailRate && v.withinBudgetLocked(sym, cur):
			if next := cur.Demote(); next != cur {
				v.tiers[sym] = next
				v.log.Info("demoted validation tier",
					zap.String("symbol", sym),
					zap.Float64("failure_rate", rate),
					zap.String("tier", next.String()))
			}
		}
	}
}

// withinBudgetLocked reports whether the symbol's recent validation time
// sits inside its current tier's processing budget. Symbols without
// latency samples pass. Caller holds the mutex.
func (v *Validator) withinBudgetLocked(sym string, tier model.Tier) bool {
	w, ok := v.latency[sym]
	if !ok || w.Len() == 0 {
		return true
	}
	var budget time.Duration
	switch tier {
	case model.TierDeep:
		budget = v.cfg.DeepBudget
	case model.TierCrossSource:
		budget = v.cfg.CrossBudget
	default:
		budget = v.cfg.FastBudget
	}
	return w.Mean() <= float64(budget.Microseconds())/1000.0
}

// FailureRate returns the symbol's recent validation failure rate and
// whether enough outcomes exist for it to mean anything.
func (v *Validator) FailureRate(symbol string) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.outcomes[symbol]
	if !ok || w.Len() < minAdaptObs {
		return 0, false
	}
	return w.Mean(), true
}

func (v *Validator) alert(a model.Alert) {
	if v.OnAlert != nil {
		v.OnAlert(a)
	}
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, x := range vals {
		sum += x
	}
	return sum / float64(len(vals))
}

func stdDevOf(vals []float64, mean float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var acc float64
	for _, x := range vals {
		d := x - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(vals)))
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
