package validation

import (
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

func testCfg() Config {
	return Config{
		MaxStaleness:     5 * time.Minute,
		MaxTickJump:      0.20,
		CrossTolerance:   0.01,
		SigmaBand:        2.0,
		SparseTolerance:  0.05,
		MinHistory:       10,
		TrendDivergence:  0.10,
		CorrelationBreak: 0.50,
		ZScoreLimit:      3.0,
		DeepWindow:       20,
		OutcomeWindow:    10,
		PromoteFailRate:  0.20,
		DemoteFailRate:   0.05,
		AdaptInterval:    time.Hour,
		Groups:           map[string][]string{"banks": {"HDFCBANK", "ICICIBANK", "AXISBANK"}},
	}
}

func newTestValidator() *Validator {
	return New(testCfg(), zap.NewNop())
}

func cleanTick(symbol string, price float64, ts time.Time) model.Tick {
	return model.Tick{
		Symbol: symbol, Exchange: "NSE", Price: price, Volume: 1000,
		TS: ts, Source: "feedsim", Confidence: 1.0,
	}
}

// seed loads prior observations directly, bypassing validation.
func seed(v *Validator, symbol string, prices ...float64) {
	ts := time.Now().Add(-time.Duration(len(prices)) * time.Second)
	for i, p := range prices {
		v.series.Observe(symbol, p, ts.Add(time.Duration(i)*time.Second))
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestValidator_CleanTickUsesPrimary(t *testing.T) {
	v := newTestValidator()
	now := time.Now()

	res := v.ValidateAt(cleanTick("RELIANCE", 2500, now), now)
	if res.Status != model.StatusValidated {
		t.Errorf("status = %v, want validated", res.Status)
	}
	if res.Action != model.ActionUsePrimary {
		t.Errorf("action = %v, want use_primary_data", res.Action)
	}
	if !approx(res.Confidence, 1.0) {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}
	if !res.Usable() {
		t.Errorf("clean tick not usable")
	}
}

func TestValidator_StructuralFailuresRejected(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(*model.Tick)
		reason string
	}{
		{"negative price", func(tk *model.Tick) { tk.Price = -5 }, "price"},
		{"zero price", func(tk *model.Tick) { tk.Price = 0 }, "price"},
		{"negative volume", func(tk *model.Tick) { tk.Volume = -1 }, "volume"},
		{"future timestamp", func(tk *model.Tick) { tk.TS = now.Add(time.Minute) }, "future"},
	}
	for _, tc := range cases {
		v := newTestValidator()
		tk := cleanTick("RELIANCE", 2500, now)
		tc.mutate(&tk)

		res := v.ValidateAt(tk, now)
		if res.Status != model.StatusFailed {
			t.Errorf("%s: status = %v, want failed", tc.name, res.Status)
		}
		if res.Action != model.ActionReject {
			t.Errorf("%s: action = %v, want reject_data", tc.name, res.Action)
		}
		if res.Confidence != 0 {
			t.Errorf("%s: confidence = %v, want 0", tc.name, res.Confidence)
		}
		if res.Usable() {
			t.Errorf("%s: failed tick reported usable", tc.name)
		}
		if len(res.Reasons) == 0 || !strings.Contains(res.Reasons[0], tc.reason) {
			t.Errorf("%s: reasons = %v, want mention of %q", tc.name, res.Reasons, tc.reason)
		}
	}
}

func TestValidator_FailedTickNeverEntersHistory(t *testing.T) {
	v := newTestValidator()
	now := time.Now()

	bad := cleanTick("RELIANCE", -5, now)
	v.ValidateAt(bad, now)
	if vals := v.series.Values("RELIANCE"); vals != nil {
		t.Errorf("rejected tick recorded in history: %v", vals)
	}
}

func TestValidator_StaleDataRetries(t *testing.T) {
	v := newTestValidator()
	now := time.Now()

	res := v.ValidateAt(cleanTick("RELIANCE", 2500, now.Add(-6*time.Minute)), now)
	if res.Status != model.StatusDiscrepancy {
		t.Errorf("status = %v, want discrepancy_detected", res.Status)
	}
	if res.Action != model.ActionRetry {
		t.Errorf("action = %v, want retry_validation", res.Action)
	}
	if !approx(res.Confidence, 0.8) {
		t.Errorf("confidence = %v, want 0.8", res.Confidence)
	}
}

func TestValidator_TickJumpEscalatesToCrossValidate(t *testing.T) {
	v := newTestValidator()
	now := time.Now()
	seed(v, "RELIANCE", 100)

	res := v.ValidateAt(cleanTick("RELIANCE", 125, now), now)
	if res.Status != model.StatusDiscrepancy {
		t.Errorf("status = %v, want discrepancy_detected", res.Status)
	}
	if res.Action != model.ActionCrossValidate {
		t.Errorf("action = %v, want cross_validate", res.Action)
	}
}

func TestValidator_CrossDeviationUsesConsensus(t *testing.T) {
	v := newTestValidator()
	v.SetTier("RELIANCE", model.TierCrossSource)
	now := time.Now()
	// Stable history: deviation cannot be explained by volatility.
	seed(v, "RELIANCE", 99.9, 100.1, 99.9, 100.1, 99.9, 100.1, 99.9, 100.1, 99.9, 100.1)

	res := v.ValidateAt(cleanTick("RELIANCE", 125, now), now)
	if res.Status != model.StatusDiscrepancy {
		t.Errorf("status = %v, want discrepancy_detected", res.Status)
	}
	if res.Action != model.ActionUseConsensus {
		t.Errorf("action = %v, want use_consensus_price", res.Action)
	}
	if res.ConsensusPrice < 99 || res.ConsensusPrice > 101 {
		t.Errorf("consensus price = %v, want ~100", res.ConsensusPrice)
	}
	if !res.Usable() {
		t.Errorf("discrepant data must stay usable")
	}
}

func TestValidator_VolatilityExplainsDeviation(t *testing.T) {
	v := newTestValidator()
	v.SetTier("RELIANCE", model.TierCrossSource)
	now := time.Now()
	seed(v, "RELIANCE", 80, 120, 90, 115, 85, 118, 92, 110, 88, 105)

	res := v.ValidateAt(cleanTick("RELIANCE", 110, now), now)
	if res.Status != model.StatusValidated {
		t.Errorf("status = %v, want validated (move inside sigma band), reasons=%v", res.Status, res.Reasons)
	}
	if res.Action != model.ActionUsePrimary {
		t.Errorf("action = %v, want use_primary_data", res.Action)
	}
}

func TestValidator_SparseHistoryTolerance(t *testing.T) {
	now := time.Now()

	v := newTestValidator()
	v.SetTier("TCS", model.TierCrossSource)
	seed(v, "TCS", 100, 100, 100)
	if res := v.ValidateAt(cleanTick("TCS", 103, now), now); res.Status != model.StatusValidated {
		t.Errorf("3%% deviation on sparse history: status = %v, want validated", res.Status)
	}

	v = newTestValidator()
	v.SetTier("TCS", model.TierCrossSource)
	seed(v, "TCS", 100, 100, 100)
	res := v.ValidateAt(cleanTick("TCS", 108, now), now)
	if res.Status != model.StatusDiscrepancy {
		t.Errorf("8%% deviation on sparse history: status = %v, want discrepancy", res.Status)
	}
	if res.Action != model.ActionUseConsensus {
		t.Errorf("action = %v, want use_consensus_price", res.Action)
	}
}

func TestValidator_DeepZScoreAnomaly(t *testing.T) {
	v := newTestValidator()
	v.SetTier("RELIANCE", model.TierDeep)
	var alerts []model.Alert
	v.OnAlert = func(a model.Alert) { alerts = append(alerts, a) }
	now := time.Now()

	prices := make([]float64, 19)
	for i := range prices {
		if i%2 == 0 {
			prices[i] = 99.8
		} else {
			prices[i] = 100.2
		}
	}
	seed(v, "RELIANCE", prices...)

	res := v.ValidateAt(cleanTick("RELIANCE", 103, now), now)
	if res.Status != model.StatusDiscrepancy {
		t.Errorf("status = %v, want discrepancy_detected", res.Status)
	}
	if res.Action != model.ActionInvestigate {
		t.Errorf("action = %v, want investigate_anomaly", res.Action)
	}
	if res.Confidence >= 0.7 {
		t.Errorf("confidence = %v, want reduced below 0.7", res.Confidence)
	}
	if len(alerts) != 1 || alerts[0].Type != model.AlertValidationAnomaly {
		t.Errorf("alerts = %+v, want one validation_anomaly", alerts)
	}

	// Throttled: a second anomaly inside the interval must not re-alert.
	v.ValidateAt(cleanTick("RELIANCE", 103, now.Add(time.Second)), now.Add(time.Second))
	if len(alerts) != 1 {
		t.Errorf("alert throttle failed, got %d alerts", len(alerts))
	}
}

func TestValidator_CorrelationBreakFlagged(t *testing.T) {
	v := newTestValidator()
	v.SetTier("HDFCBANK", model.TierDeep)
	now := time.Now()

	seed(v, "HDFCBANK", 100, 98)
	seed(v, "ICICIBANK", 100, 110)
	seed(v, "AXISBANK", 200, 220)

	res := v.ValidateAt(cleanTick("HDFCBANK", 96, now), now)
	if res.Status != model.StatusDiscrepancy {
		t.Fatalf("status = %v, want discrepancy_detected, reasons=%v", res.Status, res.Reasons)
	}
	if res.Action != model.ActionInvestigate {
		t.Errorf("action = %v, want investigate_anomaly", res.Action)
	}
	foundBreak := false
	for _, r := range res.Reasons {
		if strings.Contains(r, "opposite") {
			foundBreak = true
		}
	}
	if !foundBreak {
		t.Errorf("reasons = %v, want correlation break", res.Reasons)
	}
}

func TestValidator_AdaptiveLadderPromotesAndDemotes(t *testing.T) {
	v := newTestValidator()
	now := time.Now()

	// 3 stale + 7 clean: 30% failure rate fills the outcome window.
	for i := 0; i < 3; i++ {
		v.ValidateAt(cleanTick("ADAPT", 100, now.Add(-6*time.Minute)), now)
	}
	for i := 0; i < 7; i++ {
		v.ValidateAt(cleanTick("ADAPT", 100, now), now)
	}

	v.adaptOnce()
	if got := v.TierOf("ADAPT"); got != model.TierCrossSource {
		t.Fatalf("tier after 30%% failures = %v, want cross_source", got)
	}

	// A clean stretch rolls the failures out of the window.
	for i := 0; i < 10; i++ {
		v.ValidateAt(cleanTick("ADAPT", 100, now), now)
	}
	v.adaptOnce()
	if got := v.TierOf("ADAPT"); got != model.TierFast {
		t.Errorf("tier after clean stretch = %v, want fast", got)
	}
}

func TestValidator_PersistentFailuresClimbToDeep(t *testing.T) {
	v := newTestValidator()
	now := time.Now()

	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			v.ValidateAt(cleanTick("ADAPT", 100, now.Add(-6*time.Minute)), now)
		}
		v.adaptOnce()
	}
	if got := v.TierOf("ADAPT"); got != model.TierDeep {
		t.Errorf("tier = %v, want deep (ladder saturates)", got)
	}
}

func TestValidator_OverBudgetSymbolNotDemoted(t *testing.T) {
	v := newTestValidator()
	now := time.Now()
	v.SetTier("ADAPT", model.TierCrossSource)

	// A clean record that would normally demote.
	for i := 0; i < 10; i++ {
		v.ValidateAt(cleanTick("ADAPT", 100, now), now)
	}

	// Validation has been running well past the cross-tier budget.
	v.mu.Lock()
	for i := 0; i < 10; i++ {
		v.latency["ADAPT"].Push(35.0)
	}
	v.mu.Unlock()

	v.adaptOnce()
	if got := v.TierOf("ADAPT"); got != model.TierCrossSource {
		t.Fatalf("tier = %v, want cross_source held while over budget", got)
	}

	// Back inside the budget the clean record demotes as usual.
	v.mu.Lock()
	for i := 0; i < 10; i++ {
		v.latency["ADAPT"].Push(0.5)
	}
	v.mu.Unlock()

	v.adaptOnce()
	if got := v.TierOf("ADAPT"); got != model.TierFast {
		t.Errorf("tier = %v, want fast once budget is met", got)
	}
}

func TestValidator_MixedFailureRateHoldsTier(t *testing.T) {
	v := newTestValidator()
	now := time.Now()
	v.SetTier("ADAPT", model.TierCrossSource)

	// 10% failures: above the demote line, below the promote line.
	v.ValidateAt(cleanTick("ADAPT", 100, now.Add(-6*time.Minute)), now)
	for i := 0; i < 9; i++ {
		v.ValidateAt(cleanTick("ADAPT", 100, now), now)
	}
	v.adaptOnce()
	if got := v.TierOf("ADAPT"); got != model.TierCrossSource {
		t.Errorf("tier = %v, want cross_source held", got)
	}
}

func TestValidator_VendorConfidencePropagates(t *testing.T) {
	v := newTestValidator()
	now := time.Now()

	tk := cleanTick("RELIANCE", 2500, now)
	tk.Source = "simquote"
	tk.Confidence = 0.9

	res := v.ValidateAt(tk, now)
	if res.Status != model.StatusValidated {
		t.Errorf("status = %v, want validated", res.Status)
	}
	if res.Action != model.ActionUseWithCaution {
		t.Errorf("action = %v, want use_with_caution for vendor data", res.Action)
	}
	if !approx(res.Confidence, 0.9) {
		t.Errorf("confidence = %v, want 0.9", res.Confidence)
	}
}

func TestValidator_SeedTiersFromCatalog(t *testing.T) {
	v := newTestValidator()
	v.SeedTiers([]model.Instrument{
		{Symbol: "NIFTY", Exchange: "NSE", WatchTier: model.TierDeep, Active: true},
		{Symbol: "RELIANCE", Exchange: "NSE", WatchTier: model.TierCrossSource, Active: true},
	})

	if got := v.TierOf("NIFTY"); got != model.TierDeep {
		t.Errorf("NIFTY tier = %v, want deep", got)
	}
	if got := v.TierOf("RELIANCE"); got != model.TierCrossSource {
		t.Errorf("RELIANCE tier = %v, want cross_source", got)
	}
	if got := v.TierOf("UNKNOWN"); got != model.TierFast {
		t.Errorf("unknown symbol tier = %v, want fast", got)
	}
}
