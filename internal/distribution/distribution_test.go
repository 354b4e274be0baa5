package distribution

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDistribute_EmptyInput(t *testing.T) {
	m := New(Config{})
	dist := m.Distribute(nil)
	if dist.Total() != 0 {
		t.Errorf("expected empty distribution, got %d symbols", dist.Total())
	}
}

func TestDistribute_PriorityMakesSymbolHot(t *testing.T) {
	m := New(Config{PoolCapacity: 10})
	m.SetPriority("NIFTY50", 1)

	dist := m.Distribute([]string{"NIFTY50", "OBSCURE"})

	if got := dist.PoolOf("NIFTY50"); got != "hot-0" {
		t.Errorf("expected NIFTY50 in hot-0, got %q", got)
	}
	if got := dist.PoolOf("OBSCURE"); got != StandardPool {
		t.Errorf("expected OBSCURE in standard, got %q", got)
	}
}

func TestDistribute_AccessRateMakesSymbolHot(t *testing.T) {
	m := New(Config{HighFreqPerHour: 100, PoolCapacity: 10})
	now := time.Now()
	for i := 0; i < 100; i++ {
		m.RecordAccessAt("RELIANCE", now)
	}
	m.RecordAccessAt("TCS", now) // 1 access: stays standard

	dist := m.DistributeAt([]string{"RELIANCE", "TCS"}, now)

	if got := dist.PoolOf("RELIANCE"); !strings.HasPrefix(got, HotPoolPrefix) {
		t.Errorf("expected RELIANCE in a hot pool, got %q", got)
	}
	if got := dist.PoolOf("TCS"); got != StandardPool {
		t.Errorf("expected TCS in standard, got %q", got)
	}
}

func TestDistribute_PoolCountAndCapacity(t *testing.T) {
	m := New(Config{PoolCapacity: 200})
	syms := make([]string, 450)
	for i := range syms {
		syms[i] = fmt.Sprintf("SYM%03d", i)
		m.SetPriority(syms[i], 1)
	}

	dist := m.Distribute(syms)

	// ceil(450/200) = 3 hot pools, no standard pool
	hotPools := 0
	for name, pool := range dist.Pools {
		if name == StandardPool {
			t.Errorf("expected no standard pool, found one with %d symbols", len(pool))
			continue
		}
		hotPools++
		if len(pool) > 200 {
			t.Errorf("pool %s exceeds capacity: %d > 200", name, len(pool))
		}
	}
	if hotPools != 3 {
		t.Errorf("expected 3 hot pools, got %d", hotPools)
	}
}

func TestDistribute_IsPartition(t *testing.T) {
	m := New(Config{PoolCapacity: 3})
	syms := []string{"A", "B", "C", "D", "E", "F", "G"}
	m.SetPriority("A", 1)
	m.SetPriority("B", 2)
	m.SetPriority("C", 1)
	m.SetPriority("D", 2)

	dist := m.Distribute(syms)

	seen := make(map[string]string)
	for name, pool := range dist.Pools {
		for _, s := range pool {
			if prev, dup := seen[s]; dup {
				t.Errorf("symbol %s appears in both %s and %s", s, prev, name)
			}
			seen[s] = name
		}
	}
	for _, s := range syms {
		if _, ok := seen[s]; !ok {
			t.Errorf("symbol %s missing from distribution", s)
		}
	}
	if len(seen) != len(syms) {
		t.Errorf("expected %d symbols total, got %d", len(syms), len(seen))
	}
}

func TestDistribute_DeduplicatesInput(t *testing.T) {
	m := New(Config{})
	dist := m.Distribute([]string{"A", "A", "B", ""})
	if dist.Total() != 2 {
		t.Errorf("expected 2 symbols after dedup, got %d", dist.Total())
	}
}

func TestDistribute_HighestPriorityFillsFirstPool(t *testing.T) {
	m := New(Config{PoolCapacity: 2})
	m.SetPriority("LOW", 2)
	m.SetPriority("TOP1", 1)
	m.SetPriority("TOP2", 1)

	dist := m.Distribute([]string{"LOW", "TOP1", "TOP2"})

	first := dist.Pools["hot-0"]
	if len(first) != 2 || first[0] != "TOP1" || first[1] != "TOP2" {
		t.Errorf("expected hot-0 = [TOP1 TOP2], got %v", first)
	}
	if got := dist.PoolOf("LOW"); got != "hot-1" {
		t.Errorf("expected LOW in hot-1, got %q", got)
	}
}

func TestAccessRate_DecaysAcrossHours(t *testing.T) {
	m := New(Config{HighFreqPerHour: 100})
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		m.RecordAccessAt("INFY", base)
	}

	if !m.IsHighFrequency("INFY", base.Add(30*time.Minute)) {
		t.Error("expected INFY high-frequency within the same hour")
	}

	// 30 minutes into the next hour the previous bucket has half weight.
	rate := m.AccessRate("INFY", base.Add(90*time.Minute))
	if rate < 55 || rate > 65 {
		t.Errorf("expected decayed rate near 60, got %v", rate)
	}

	// Two hours later all history is stale.
	if got := m.AccessRate("INFY", base.Add(3*time.Hour)); got != 0 {
		t.Errorf("expected zero rate after gap, got %v", got)
	}
}
