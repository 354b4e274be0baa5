package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/history"
	"mdpipeline/internal/model"
)

// fakeFetcher scripts probe and fetch outcomes for one source.
type fakeFetcher struct {
	mu       sync.Mutex
	probeErr error
	fetchErr error
	ticks    []model.Tick
	fetches  int
	probes   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, symbols []string) ([]model.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.ticks, nil
}

func (f *fakeFetcher) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeFetcher) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func testConfig() Config {
	return Config{
		ProbeInterval:        time.Hour, // sweeps driven manually in tests
		ProbeTimeout:         time.Second,
		WindowSize:           10,
		FailThreshold:        3,
		FailoverAvailability: 0.8,
		FailoverCooldown:     time.Minute,
		MaxStaleness:         30 * time.Second,
		WeightAvailability:   0.4,
		WeightAccuracy:       0.3,
		WeightFreshness:      0.3,
	}
}

func tick(symbol string, price float64) model.Tick {
	return model.Tick{Symbol: symbol, Exchange: "NSE", Price: price, Volume: 100, TS: time.Now()}
}

func TestRegistry_FirstRegisteredBecomesActive(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	r.Register("primary-a", TierPrimary, &fakeFetcher{})
	r.Register("fallback-v", TierFallback, &fakeFetcher{})

	if got := r.ActiveID(); got != "primary-a" {
		t.Errorf("active = %q, want primary-a", got)
	}
}

func TestRegistry_SelectionPrefersEarlierTier(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	r.Register("fallback-v", TierFallback, &fakeFetcher{})
	r.Register("primary-a", TierPrimary, &fakeFetcher{})

	// fallback-v registered first and became active; force re-selection.
	r.mu.Lock()
	r.active.status = StatusFailed
	r.active = nil
	r.mu.Unlock()
	r.evaluate(time.Now())

	if got := r.ActiveID(); got != "primary-a" {
		t.Errorf("active after re-selection = %q, want primary-a", got)
	}
}

func TestRegistry_ConsecutiveFailuresMarkFailed(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	var alerts []model.Alert
	r.OnAlert = func(a model.Alert) { alerts = append(alerts, a) }
	r.Register("primary-a", TierPrimary, &fakeFetcher{})

	r.recordOutcome("primary-a", false)
	r.recordOutcome("primary-a", false)
	if snap := r.Snapshot(); snap[0].Status == "failed" {
		t.Fatalf("source failed after 2 outcomes, threshold is 3")
	}

	r.recordOutcome("primary-a", false)
	snap := r.Snapshot()
	if snap[0].Status != "failed" {
		t.Errorf("status = %q, want failed after 3 consecutive failures", snap[0].Status)
	}
	if len(alerts) != 1 || alerts[0].Type != model.AlertSourceDegraded {
		t.Errorf("alerts = %+v, want one source_degraded", alerts)
	}
	if alerts[0].Severity != model.SeverityHigh {
		t.Errorf("severity = %v, want high", alerts[0].Severity)
	}
}

func TestRegistry_SuccessfulProbeRecoversFailedSource(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	f := &fakeFetcher{probeErr: errors.New("down")}
	r.Register("primary-a", TierPrimary, f)

	for i := 0; i < 3; i++ {
		r.recordOutcome("primary-a", false)
	}
	if r.Snapshot()[0].Status != "failed" {
		t.Fatalf("setup: source not failed")
	}

	r.recordOutcome("primary-a", true)
	snap := r.Snapshot()
	if snap[0].Status != "standby" {
		t.Errorf("status after recovery = %q, want standby", snap[0].Status)
	}
	if snap[0].ConsecFails != 0 {
		t.Errorf("consecutive failures = %d, want 0 after success", snap[0].ConsecFails)
	}
}

func TestRegistry_SweepProbesAndFailsOver(t *testing.T) {
	cfg := testConfig()
	r := New(cfg, zap.NewNop())
	var alerts []model.Alert
	r.OnAlert = func(a model.Alert) { alerts = append(alerts, a) }

	bad := &fakeFetcher{probeErr: errors.New("unreachable")}
	good := &fakeFetcher{}
	r.Register("primary-a", TierPrimary, bad)
	r.Register("secondary-b", TierSecondary, good)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.Sweep(ctx)
	}

	if got := r.ActiveID(); got != "secondary-b" {
		t.Errorf("active = %q, want secondary-b after primary fails", got)
	}
	if bad.probes != 3 || good.probes != 3 {
		t.Errorf("probes = (%d, %d), want (3, 3)", bad.probes, good.probes)
	}

	var failover bool
	for _, a := range alerts {
		if a.Type == model.AlertSourceFailover {
			failover = true
		}
	}
	if !failover {
		t.Errorf("no failover alert emitted, alerts = %+v", alerts)
	}
}

func TestRegistry_RunSweepsImmediately(t *testing.T) {
	r := New(testConfig(), zap.NewNop()) // probe interval is an hour
	f := &fakeFetcher{}
	r.Register("primary-a", TierPrimary, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.probeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if f.probeCount() == 0 {
		t.Error("expected an immediate sweep before the first interval")
	}
}

func TestRegistry_CooldownSuppressesDegradationFailover(t *testing.T) {
	cfg := testConfig()
	r := New(cfg, zap.NewNop())
	r.Register("primary-a", TierPrimary, &fakeFetcher{})
	r.Register("secondary-b", TierSecondary, &fakeFetcher{})

	now := time.Now()
	r.mu.Lock()
	r.lastFailover = now.Add(-10 * time.Second) // inside cooldown
	// Degrade the active below the availability threshold, still usable.
	for i := 0; i < 10; i++ {
		if i < 3 {
			r.active.window.Push(1)
		} else {
			r.active.window.Push(0)
		}
	}
	r.active.consecFails = 0
	r.mu.Unlock()

	r.evaluate(now)
	if got := r.ActiveID(); got != "primary-a" {
		t.Errorf("active = %q, cooldown should keep primary-a", got)
	}

	r.evaluate(now.Add(2 * time.Minute))
	if got := r.ActiveID(); got != "secondary-b" {
		t.Errorf("active = %q, want secondary-b after cooldown expires", got)
	}
}

func TestRegistry_GetDataFailsOverToNextCandidate(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	bad := &fakeFetcher{fetchErr: errors.New("connection refused")}
	good := &fakeFetcher{ticks: []model.Tick{tick("RELIANCE", 2500)}}
	r.Register("primary-a", TierPrimary, bad)
	r.Register("fallback-v", TierFallback, good)

	ticks, err := r.GetData(context.Background(), []string{"RELIANCE"})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Symbol != "RELIANCE" {
		t.Errorf("ticks = %+v, want one RELIANCE tick", ticks)
	}
	if bad.fetches != 1 || good.fetches != 1 {
		t.Errorf("fetches = (%d, %d), want (1, 1)", bad.fetches, good.fetches)
	}
}

func TestRegistry_GetDataReplacesDegradedActive(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	a := &fakeFetcher{ticks: []model.Tick{tick("RELIANCE", 2500)}}
	b := &fakeFetcher{ticks: []model.Tick{tick("RELIANCE", 2501)}}
	r.Register("primary-a", TierPrimary, a)
	r.Register("secondary-b", TierSecondary, b)

	// Degrade the active below the failover threshold without tripping the
	// consecutive-failure rule, with the cooldown long expired.
	r.mu.Lock()
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			r.active.window.Push(0)
		} else {
			r.active.window.Push(1)
		}
	}
	r.active.consecFails = 0
	r.lastFailover = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()

	ticks, err := r.GetData(context.Background(), []string{"RELIANCE"})
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Price != 2501 {
		t.Errorf("ticks = %+v, want the standby's RELIANCE tick", ticks)
	}
	if a.fetches != 0 {
		t.Errorf("degraded source served %d requests, want 0", a.fetches)
	}
	if b.fetches != 1 {
		t.Errorf("standby fetches = %d, want 1", b.fetches)
	}
	if got := r.ActiveID(); got != "secondary-b" {
		t.Errorf("active = %q, want secondary-b", got)
	}
}

func TestRegistry_FetchErrorFailsSourceImmediately(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	var alerts []model.Alert
	r.OnAlert = func(a model.Alert) { alerts = append(alerts, a) }
	bad := &fakeFetcher{fetchErr: errors.New("connection refused")}
	good := &fakeFetcher{ticks: []model.Tick{tick("TCS", 3400)}}
	r.Register("primary-a", TierPrimary, bad)
	r.Register("secondary-b", TierSecondary, good)

	if _, err := r.GetData(context.Background(), []string{"TCS"}); err != nil {
		t.Fatalf("GetData: %v", err)
	}

	snap := r.Snapshot()
	if snap[0].Status != "failed" {
		t.Errorf("status after fetch error = %q, want failed", snap[0].Status)
	}
	if got := r.ActiveID(); got != "secondary-b" {
		t.Errorf("active = %q, want secondary-b after the active failed", got)
	}

	var degraded, failover bool
	for _, a := range alerts {
		switch a.Type {
		case model.AlertSourceDegraded:
			degraded = true
		case model.AlertSourceFailover:
			failover = true
		}
	}
	if !degraded || !failover {
		t.Errorf("alerts = %+v, want source_degraded and source_failover", alerts)
	}
}

func TestRegistry_GetDataExhaustionReturnsError(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	r.Register("primary-a", TierPrimary, &fakeFetcher{fetchErr: errors.New("down")})
	r.Register("fallback-v", TierFallback, &fakeFetcher{fetchErr: errors.New("also down")})

	_, err := r.GetData(context.Background(), []string{"TCS"})
	if !errors.Is(err, ErrAllSourcesUnavailable) {
		t.Errorf("err = %v, want ErrAllSourcesUnavailable", err)
	}
}

func TestRegistry_GetDataWithNoSources(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	_, err := r.GetData(context.Background(), []string{"TCS"})
	if !errors.Is(err, ErrAllSourcesUnavailable) {
		t.Errorf("err = %v, want ErrAllSourcesUnavailable", err)
	}
}

func TestRegistry_ScoreCombinesWeightedFactors(t *testing.T) {
	cfg := testConfig()
	s := &source{window: history.NewWindow(10)}
	// 8 of 10 successes, 10% inaccuracy, half-stale.
	for i := 0; i < 10; i++ {
		if i < 8 {
			s.window.Push(1)
		} else {
			s.window.Push(0)
		}
	}
	s.inaccuracy = 0.1
	s.stalenessNorm = 0.5

	got := s.score(&cfg)
	want := 0.4*0.8 + 0.3*0.9 + 0.3*0.5
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", got, want)
	}
}

func TestRegistry_UnprobedSourceAssumedAvailable(t *testing.T) {
	s := &source{window: history.NewWindow(10)}
	if got := s.availability(); got != 1.0 {
		t.Errorf("availability with empty window = %v, want 1.0", got)
	}
}

func TestRegistry_MaintenanceExcludesFromRotation(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	f := &fakeFetcher{ticks: []model.Tick{tick("INFY", 1500)}}
	r.Register("primary-a", TierPrimary, &fakeFetcher{ticks: []model.Tick{tick("INFY", 1490)}})
	r.Register("secondary-b", TierSecondary, f)

	if !r.SetMaintenance("primary-a", true) {
		t.Fatalf("SetMaintenance returned false for known source")
	}
	r.evaluate(time.Now().Add(2 * time.Minute))
	if got := r.ActiveID(); got != "secondary-b" {
		t.Errorf("active = %q, want secondary-b while primary in maintenance", got)
	}

	snap := r.Snapshot()
	if snap[0].Status != "maintenance" {
		t.Errorf("primary status = %q, want maintenance", snap[0].Status)
	}
	if r.SetMaintenance("unknown", true) {
		t.Errorf("SetMaintenance returned true for unknown source")
	}
}

func TestRegistry_RecordInaccuracySmooths(t *testing.T) {
	r := New(testConfig(), zap.NewNop())
	r.Register("primary-a", TierPrimary, &fakeFetcher{})

	r.RecordInaccuracy("primary-a", 0.5)
	snap := r.Snapshot()
	if snap[0].Inaccuracy <= 0 || snap[0].Inaccuracy >= 0.5 {
		t.Errorf("inaccuracy = %v, want smoothed value in (0, 0.5)", snap[0].Inaccuracy)
	}

	first := snap[0].Inaccuracy
	r.RecordInaccuracy("primary-a", 0.5)
	if got := r.Snapshot()[0].Inaccuracy; got <= first {
		t.Errorf("inaccuracy = %v, want > %v after second observation", got, first)
	}
}

func TestParseTier(t *testing.T) {
	cases := map[string]Tier{
		"primary":   TierPrimary,
		"secondary": TierSecondary,
		"tertiary":  TierTertiary,
		"fallback":  TierFallback,
		"garbage":   TierFallback,
	}
	for in, want := range cases {
		if got := ParseTier(in); got != want {
			t.Errorf("ParseTier(%q) = %v, want %v", in, got, want)
		}
	}
}
