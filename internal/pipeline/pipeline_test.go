package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/alerting"
	"mdpipeline/internal/cache"
	"mdpipeline/internal/dispatch"
	"mdpipeline/internal/distribution"
	"mdpipeline/internal/model"
	"mdpipeline/internal/pool"
	"mdpipeline/internal/registry"
	"mdpipeline/internal/validation"
)

// fakeLive backs the cache hierarchy's authoritative layer.
type fakeLive struct {
	mu      sync.Mutex
	healthy bool
	ticks   map[string]model.Tick
	fetches int
}

func (f *fakeLive) Fetch(_ context.Context, symbols []string, _ time.Duration) ([]model.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if !f.healthy {
		return nil, errors.New("no healthy connections")
	}
	var out []model.Tick
	for _, s := range symbols {
		if t, ok := f.ticks[s]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLive) AnyHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeLive) set(t model.Tick) {
	f.mu.Lock()
	f.ticks[t.Symbol] = t
	f.mu.Unlock()
}

// fakeFeed satisfies the pipeline Feed interface.
type fakeFeed struct {
	mu      sync.Mutex
	subs    map[string]bool
	calls   [][]string
	ok      bool
	healthy bool
}

func (f *fakeFeed) Subscribe(symbols []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	for _, s := range symbols {
		f.subs[s] = true
	}
	return f.ok
}

func (f *fakeFeed) Unsubscribe(symbols []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		delete(f.subs, s)
	}
	return true
}

func (f *fakeFeed) AnyHealthy() bool { return f.healthy }

func (f *fakeFeed) HealthyCount() int {
	if f.healthy {
		return 1
	}
	return 0
}

func (f *fakeFeed) Revive(context.Context) int { return 0 }

// stubFetcher is a canned registry source.
type stubFetcher struct {
	ticks []model.Tick
	err   error
}

func (s *stubFetcher) Fetch(context.Context, []string) ([]model.Tick, error) {
	return s.ticks, s.err
}

func (s *stubFetcher) Probe(context.Context) error { return s.err }

func liveTick(symbol string, price float64) model.Tick {
	return model.Tick{
		Symbol:     symbol,
		Exchange:   "NSE",
		Price:      price,
		Volume:     100,
		TS:         time.Now().UTC(),
		Source:     "feedsim",
		Confidence: 1.0,
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeLive, *fakeFeed) {
	t.Helper()
	log := zap.NewNop()

	live := &fakeLive{healthy: true, ticks: make(map[string]model.Tick)}
	feed := &fakeFeed{subs: make(map[string]bool), ok: true, healthy: true}

	reg := registry.New(registry.Config{ProbeInterval: time.Hour}, log)
	reg.Register("backupvendor", registry.TierFallback, &stubFetcher{err: errors.New("vendor down")})

	h := cache.New(cache.Config{
		L1TTL:               time.Minute,
		L2:                  cache.RedisConfig{Addr: "127.0.0.1:1"}, // unreachable
		BreakerMaxFailures:  1,
		BreakerResetTimeout: time.Hour,
		WarmInterval:        time.Hour,
		MonitorInterval:     time.Hour,
	}, live, reg, log)
	t.Cleanup(func() { h.Close() })

	p, err := New(Config{
		DefaultMaxAge:      time.Minute,
		TickBuffer:         64,
		SupervisorInterval: time.Hour,
		RebalanceInterval:  time.Hour,
	}, Deps{
		Distribution: distribution.New(distribution.Config{}),
		Feed:         feed,
		Registry:     reg,
		Cache:        h,
		Validator:    validation.New(validation.Config{}, log),
		Dispatch:     dispatch.New(8, log),
		Alerts:       alerting.New(alerting.Config{}, log),
	}, log)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p, live, feed
}

func startPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("pipeline did not stop on cancel")
		}
	})
}

func poll(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPipeline_GetMarketDataServesAndValidates(t *testing.T) {
	p, live, _ := newTestPipeline(t)
	live.set(liveTick("RELIANCE", 2500))

	resp, err := p.GetMarketData(context.Background(), Request{Symbols: []string{"RELIANCE"}})
	if err != nil {
		t.Fatalf("GetMarketData() error: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Symbol != "RELIANCE" {
		t.Fatalf("data = %+v, want one RELIANCE tick", resp.Data)
	}
	vr, ok := resp.Validation["RELIANCE"]
	if !ok {
		t.Fatal("no validation result for RELIANCE")
	}
	if vr.Status != model.StatusValidated {
		t.Errorf("status = %v, want validated", vr.Status)
	}
	if vr.Action != model.ActionUsePrimary {
		t.Errorf("action = %v, want use_primary_data", vr.Action)
	}
	// First lookup came from the live layer.
	if resp.CacheHitRate != 0 {
		t.Errorf("first request hit rate = %v, want 0", resp.CacheHitRate)
	}
	if resp.ProcessingTimeMS < 0 {
		t.Errorf("processing time = %v, want >= 0", resp.ProcessingTimeMS)
	}
	if p.latency.Count() != 1 {
		t.Errorf("latency samples = %d, want 1", p.latency.Count())
	}

	// Second request is a memory hit.
	resp2, err := p.GetMarketData(context.Background(), Request{Symbols: []string{"RELIANCE"}})
	if err != nil {
		t.Fatalf("second GetMarketData() error: %v", err)
	}
	if resp2.CacheHitRate != 1.0 {
		t.Errorf("second request hit rate = %v, want 1.0", resp2.CacheHitRate)
	}
	live.mu.Lock()
	fetches := live.fetches
	live.mu.Unlock()
	if fetches != 1 {
		t.Errorf("live fetches = %d, want 1", fetches)
	}
}

func TestPipeline_RejectedDataReportedNotServed(t *testing.T) {
	p, live, _ := newTestPipeline(t)
	bad := liveTick("JUNK", -5)
	live.set(bad)

	resp, err := p.GetMarketData(context.Background(), Request{Symbols: []string{"JUNK"}})
	if err != nil {
		t.Fatalf("GetMarketData() error: %v", err)
	}
	if len(resp.Data) != 0 {
		t.Errorf("data = %+v, want empty", resp.Data)
	}
	vr := resp.Validation["JUNK"]
	if vr.Status != model.StatusFailed || vr.Action != model.ActionReject {
		t.Errorf("validation = %v/%v, want failed/reject_data", vr.Status, vr.Action)
	}
	found := false
	for _, s := range resp.Missing {
		if s == "JUNK" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing = %v, want to include JUNK", resp.Missing)
	}
}

func TestPipeline_GetMarketDataRequiresSymbols(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	if _, err := p.GetMarketData(context.Background(), Request{}); err == nil {
		t.Fatal("GetMarketData(no symbols) = nil error, want error")
	}
	if _, err := p.GetMarketData(context.Background(), Request{Symbols: []string{"", ""}}); err == nil {
		t.Fatal("GetMarketData(empty symbols) = nil error, want error")
	}
}

func TestPipeline_SubscribeTracksSetAndPlan(t *testing.T) {
	p, _, feed := newTestPipeline(t)

	if !p.Subscribe([]string{"TCS", "INFY"}) {
		t.Fatal("Subscribe() = false, want true")
	}
	got := p.Subscribed()
	if len(got) != 2 || got[0] != "INFY" || got[1] != "TCS" {
		t.Errorf("Subscribed() = %v, want [INFY TCS]", got)
	}
	feed.mu.Lock()
	if !feed.subs["TCS"] || !feed.subs["INFY"] {
		t.Error("feed did not receive subscriptions")
	}
	feed.mu.Unlock()
	plan := p.Plan()
	if plan.Total() != 2 {
		t.Errorf("plan total = %d, want 2", plan.Total())
	}

	if !p.Unsubscribe([]string{"TCS"}) {
		t.Fatal("Unsubscribe() = false, want true")
	}
	got = p.Subscribed()
	if len(got) != 1 || got[0] != "INFY" {
		t.Errorf("Subscribed() after unsubscribe = %v, want [INFY]", got)
	}

	if p.Subscribe(nil) {
		t.Error("Subscribe(nil) = true, want false")
	}
}

func TestPipeline_SubscribePlacesHotSymbolsFirst(t *testing.T) {
	p, _, feed := newTestPipeline(t)

	// Priority 1 puts NIFTY in a hot pool; the feed must see it ahead of
	// the standard remainder so it claims capacity first.
	p.dist.SetPriority("NIFTY", 1)
	if !p.Subscribe([]string{"OBSCURE", "NIFTY", "ZED"}) {
		t.Fatal("Subscribe() = false, want true")
	}

	feed.mu.Lock()
	defer feed.mu.Unlock()
	if len(feed.calls) != 1 {
		t.Fatalf("feed subscribe calls = %d, want 1", len(feed.calls))
	}
	got := feed.calls[0]
	if len(got) != 3 || got[0] != "NIFTY" {
		t.Errorf("feed order = %v, want NIFTY first", got)
	}
}

func TestPipeline_IngestValidatesAndDispatches(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	var mu sync.Mutex
	var seen []model.Tick
	p.AddDataHandler(func(t model.Tick) {
		mu.Lock()
		seen = append(seen, t)
		mu.Unlock()
	})

	startPipeline(t, p)

	p.Ingest(liveTick("HDFCBANK", 1520))
	poll(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	// A structurally invalid tick must never reach handlers.
	p.Ingest(liveTick("HDFCBANK", -1))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 1 {
		t.Errorf("handler saw %d ticks, want 1", n)
	}
}

func TestPipeline_IngestDropsWhenBufferFull(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	// Run not started: nothing drains the ingest channel (buffer 64).
	for i := 0; i < 70; i++ {
		p.Ingest(liveTick("SBIN", 820))
	}
	if got := p.DroppedTicks(); got != 6 {
		t.Errorf("DroppedTicks() = %d, want 6", got)
	}
}

func TestPipeline_AlertsReachHandlers(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	var mu sync.Mutex
	var alerts []model.Alert
	p.AddAlertHandler(func(a model.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	startPipeline(t, p)

	p.ConnStateChanged("feedsim-0", pool.StateConnected, pool.StateFailed)
	poll(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if alerts[0].Type != model.AlertConnectionFailure {
		t.Errorf("alert type = %q, want %q", alerts[0].Type, model.AlertConnectionFailure)
	}
	if alerts[0].Severity != model.SeverityCritical {
		t.Errorf("alert severity = %v, want critical", alerts[0].Severity)
	}
}

func TestPipeline_HotSymbolsFollowPlan(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	// Priority 1 symbols classify as high-frequency and land in a hot pool.
	p.dist.SetPriority("RELIANCE", 1)
	p.Subscribe([]string{"RELIANCE", "OBSCURE"})

	hot := p.hotSymbols()
	if len(hot) != 1 || hot[0] != "RELIANCE" {
		t.Errorf("hotSymbols() = %v, want [RELIANCE]", hot)
	}
}
