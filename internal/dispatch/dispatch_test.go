package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

func tick(symbol string) model.Tick {
	return model.Tick{Symbol: symbol, Exchange: "NSE", Price: 100, Volume: 10, TS: time.Now()}
}

func TestDispatcher_BroadcastsToAllHandlersOnce(t *testing.T) {
	d := New(10, zap.NewNop())
	defer d.Close()

	var mu sync.Mutex
	counts := map[int]int{}
	for i := 0; i < 2; i++ {
		idx := i
		d.Add(func(model.Tick) {
			mu.Lock()
			counts[idx]++
			mu.Unlock()
		})
	}

	d.Publish(tick("RELIANCE"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := counts[0] == 1 && counts[1] == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if counts[0] != 1 || counts[1] != 1 {
		t.Errorf("counts = %v, want each handler called exactly once", counts)
	}
}

func TestDispatcher_SlowHandlerDropsWithoutBlocking(t *testing.T) {
	d := New(1, zap.NewNop())

	gate := make(chan struct{})
	d.Add(func(model.Tick) { <-gate })

	var fast atomic.Uint64
	d.Add(func(model.Tick) { fast.Add(1) })

	start := time.Now()
	for i := 0; i < 5; i++ {
		d.Publish(tick("RELIANCE"))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("publish blocked for %v on a slow handler", elapsed)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fast.Load() < 5 {
		time.Sleep(5 * time.Millisecond)
	}
	if fast.Load() != 5 {
		t.Errorf("fast handler received %d of 5 ticks", fast.Load())
	}
	if dropped := d.Dropped(); dropped[0] == 0 {
		t.Errorf("slow handler dropped = %v, want drops on handler 0", dropped)
	}

	close(gate)
	d.Close()
}

func TestDispatcher_PublishAfterCloseIsNoop(t *testing.T) {
	d := New(10, zap.NewNop())

	var calls atomic.Uint64
	d.Add(func(model.Tick) { calls.Add(1) })
	d.Close()

	d.Publish(tick("RELIANCE"))
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("handler called %d times after close", calls.Load())
	}
	if idx := d.Add(func(model.Tick) {}); idx != -1 {
		t.Errorf("Add after close = %d, want -1", idx)
	}
}

func TestDispatcher_QueueStatsReportSaturation(t *testing.T) {
	d := New(4, zap.NewNop())
	defer d.Close()

	gate := make(chan struct{})
	defer close(gate)
	d.Add(func(model.Tick) { <-gate })

	for i := 0; i < 3; i++ {
		d.Publish(tick("TCS"))
	}

	stats := d.QueueStats()
	if len(stats) != 1 || stats[0].Cap != 4 {
		t.Fatalf("stats = %+v, want one handler with cap 4", stats)
	}
	if stats[0].Len == 0 {
		t.Errorf("queue length = 0, want pending ticks behind the blocked handler")
	}
}
