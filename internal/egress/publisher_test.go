package egress

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

type captureWriter struct {
	mu      sync.Mutex
	batches [][]kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := append([]kafka.Message(nil), msgs...)
	w.batches = append(w.batches, batch)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func (w *captureWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func newTestPublisher(cfg Config) (*Publisher, *captureWriter) {
	p := New(cfg, zap.NewNop())
	w := &captureWriter{}
	p.writer = w
	return p, w
}

func tick(symbol string, price float64) model.Tick {
	return model.Tick{
		Symbol:   symbol,
		Exchange: "NSE",
		Price:    price,
		Volume:   10,
		TS:       time.Now().UTC(),
		Source:   "feed",
	}
}

func TestPublisher_FlushesFullBatch(t *testing.T) {
	p, w := newTestPublisher(Config{BatchSize: 3, BatchTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	h := p.Handler()
	for i := 0; i < 3; i++ {
		h(tick("RELIANCE", 2500+float64(i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.total() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := w.total(); got != 3 {
		t.Fatalf("produced %d messages, want 3", got)
	}
	if got := p.Published(); got != 3 {
		t.Errorf("Published() = %d, want 3", got)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(w.batches))
	}
	first := w.batches[0][0]
	if string(first.Key) != "NSE:RELIANCE" {
		t.Errorf("message key = %q, want NSE:RELIANCE", first.Key)
	}
	var decoded model.Tick
	if err := json.Unmarshal(first.Value, &decoded); err != nil {
		t.Fatalf("message value not valid tick JSON: %v", err)
	}
	if decoded.Price != 2500 {
		t.Errorf("decoded price = %v, want 2500", decoded.Price)
	}
}

func TestPublisher_TimerFlushesPartialBatch(t *testing.T) {
	p, w := newTestPublisher(Config{BatchSize: 100, BatchTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Handler()(tick("TCS", 3100))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && w.total() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := w.total(); got != 1 {
		t.Fatalf("produced %d messages, want 1", got)
	}
}

func TestPublisher_FullQueueDropsWithoutBlocking(t *testing.T) {
	p, _ := newTestPublisher(Config{QueueSize: 2, BatchTimeout: time.Hour})
	// No Run: nothing drains the queue.

	h := p.Handler()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h(tick("INFY", 1500))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handler blocked on a full queue")
	}
	if got := p.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestPublisher_FinalFlushOnShutdown(t *testing.T) {
	p, w := newTestPublisher(Config{BatchSize: 100, BatchTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	p.Handler()(tick("SBIN", 820))
	// Let the run loop pull the tick into its batch before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if got := w.total(); got != 1 {
		t.Errorf("produced %d messages after shutdown, want 1", got)
	}
}
