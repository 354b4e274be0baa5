// Package dispatch fans validated ticks out to registered handlers. Each
// handler gets its own goroutine and buffered queue, so a slow handler
// drops its own ticks instead of blocking the pipeline or its peers.
// A tick is delivered to each handler at most once.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

// Handler consumes one validated tick. It must return; delivery to this
// handler stalls for as long as it runs.
type Handler func(model.Tick)

// worker is one registered handler and its queue.
type worker struct {
	id      int
	queue   chan model.Tick
	dropped atomic.Uint64
}

// Dispatcher owns the handler set.
type Dispatcher struct {
	log     *zap.Logger
	bufSize int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	workers []*worker
	closed  bool

	// OnDrop is called with the handler index when its queue is full.
	// Optional; without it drops are logged.
	OnDrop func(handlerIdx int)
}

// New creates a dispatcher whose handler queues hold bufSize ticks.
func New(bufSize int, log *zap.Logger) *Dispatcher {
	if bufSize <= 0 {
		bufSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:     log.Named("dispatch"),
		bufSize: bufSize,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a handler and starts its delivery goroutine. Returns the
// handler's index, or -1 after Close.
func (d *Dispatcher) Add(h Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return -1
	}
	w := &worker{id: len(d.workers), queue: make(chan model.Tick, d.bufSize)}
	d.workers = append(d.workers, w)
	d.wg.Add(1)
	go d.run(w, h)
	return w.id
}

func (d *Dispatcher) run(w *worker, h Handler) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-w.queue:
			h(t)
		}
	}
}

// Publish offers the tick to every handler queue without blocking. A full
// queue drops the tick for that handler only.
func (d *Dispatcher) Publish(t model.Tick) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, w := range d.workers {
		select {
		case w.queue <- t:
		default:
			w.dropped.Add(1)
			if d.OnDrop != nil {
				d.OnDrop(w.id)
			} else {
				d.log.Warn("handler queue full, dropping tick",
					zap.Int("handler", w.id), zap.String("symbol", t.Symbol))
			}
		}
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.workers)
}

// Dropped returns the per-handler drop counts, indexed by handler.
func (d *Dispatcher) Dropped() []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint64, len(d.workers))
	for i, w := range d.workers {
		out[i] = w.dropped.Load()
	}
	return out
}

// QueueStat is one handler queue's fill level.
type QueueStat struct {
	Len int
	Cap int
}

// QueueStats returns the fill level per handler queue for saturation
// reporting.
func (d *Dispatcher) QueueStats() []QueueStat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make([]QueueStat, len(d.workers))
	for i, w := range d.workers {
		stats[i] = QueueStat{Len: len(w.queue), Cap: cap(w.queue)}
	}
	return stats
}

// Close stops the delivery goroutines and waits for in-flight handler
// calls to return. Ticks still queued may be discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
