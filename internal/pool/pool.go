package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

var (
	errNotConnected = errors.New("pool: not connected")

	// ErrUnavailable means no connection is currently healthy enough to
	// serve authoritative data.
	ErrUnavailable = errors.New("pool: no healthy connections")
)

// Pool owns every provider connection plus the shared latest-tick book.
// Ticks flow from connection workers into the book and out through OnTick;
// on-demand fetches wait on per-symbol channels until fresh data lands.
type Pool struct {
	cfg   Config
	log   *zap.Logger
	conns []*Connection

	mu      sync.Mutex
	book    map[string]model.Tick
	waiters map[string][]chan model.Tick

	// OnTick receives every decoded tick. Called concurrently from
	// connection workers; must be fast and must not block. Set before Start.
	OnTick func(model.Tick)
	// OnConnStateChange mirrors per-connection transitions. Must not call
	// back into the pool or connection.
	OnConnStateChange func(id string, from, to State)
	// OnConnDown fires when a connection exhausts its reconnect budget.
	OnConnDown func(id string, lastErr error)
}

// New builds a pool with prov.Connections connections per provider.
func New(cfg Config, providers []Provider, log *zap.Logger) (*Pool, error) {
	cfg.defaults()
	if len(providers) == 0 {
		return nil, errors.New("pool: at least one provider required")
	}

	p := &Pool{
		cfg:     cfg,
		log:     log.Named("pool"),
		book:    make(map[string]model.Tick),
		waiters: make(map[string][]chan model.Tick),
	}

	for _, prov := range providers {
		n := prov.Connections
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			c := NewConnection(fmt.Sprintf("%s-%d", prov.ID, i), Provider{
				ID:         prov.ID,
				URL:        prov.URL,
				APIKey:     prov.APIKey,
				TOTPSecret: prov.TOTPSecret,
				Capacity:   prov.Capacity,
			}, cfg, log)
			c.OnTick = p.handleTick
			c.OnStateChange = func(id string, from, to State) {
				if p.OnConnStateChange != nil {
					p.OnConnStateChange(id, from, to)
				}
			}
			c.OnGiveUp = func(id string, lastErr error) {
				if p.OnConnDown != nil {
					p.OnConnDown(id, lastErr)
				}
			}
			p.conns = append(p.conns, c)
		}
	}
	return p, nil
}

// Start connects every connection concurrently and returns how many came up.
func (p *Pool) Start(ctx context.Context) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	up := 0
	for _, c := range p.conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if c.Connect(ctx) {
				mu.Lock()
				up++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	p.log.Info("pool started", zap.Int("connections", len(p.conns)), zap.Int("connected", up))
	return up
}

// Close shuts down every connection.
func (p *Pool) Close() {
	for _, c := range p.conns {
		c.Close()
	}
}

// handleTick lands a tick in the book, wakes fetch waiters and forwards to
// the pool consumer. A newer book entry is never replaced by an older tick.
func (p *Pool) handleTick(t model.Tick) {
	p.mu.Lock()
	prev, ok := p.book[t.Symbol]
	if !ok || !t.TS.Before(prev.TS) {
		p.book[t.Symbol] = t
	}
	pending := p.waiters[t.Symbol]
	delete(p.waiters, t.Symbol)
	p.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- t:
		default:
		}
	}
	if p.OnTick != nil {
		p.OnTick(t)
	}
}

// Subscribe spreads symbols across healthy connections with spare capacity.
// Symbols already streaming anywhere in the pool count as accepted. Returns
// true when at least one requested symbol is streaming afterwards; symbols
// the pool had no room for are logged and left for a later attempt.
func (p *Pool) Subscribe(symbols []string) bool {
	accepted := 0
	var remaining []string
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		if p.SubscribedAnywhere(s) {
			accepted++
		} else {
			remaining = append(remaining, s)
		}
	}

	for _, c := range p.connsBySpare() {
		if len(remaining) == 0 {
			break
		}
		if c.State() != StateConnected {
			continue
		}
		spare := c.Spare()
		if spare <= 0 {
			continue
		}
		take := spare
		if take > len(remaining) {
			take = len(remaining)
		}
		if c.Subscribe(remaining[:take]) {
			accepted += take
			remaining = remaining[take:]
		}
	}

	if len(remaining) > 0 {
		p.log.Warn("subscribe left symbols unallocated",
			zap.Int("accepted", accepted), zap.Int("unallocated", len(remaining)))
	}
	return accepted > 0
}

// Unsubscribe removes symbols wherever they are subscribed. Returns true
// when the desired end state holds everywhere.
func (p *Pool) Unsubscribe(symbols []string) bool {
	ok := true
	for _, c := range p.conns {
		var here []string
		for _, s := range symbols {
			if c.Subscribed(s) {
				here = append(here, s)
			}
		}
		if len(here) > 0 && !c.Unsubscribe(here) {
			ok = false
		}
	}
	return ok
}

// SubscribedAnywhere reports whether any connection streams symbol.
func (p *Pool) SubscribedAnywhere(symbol string) bool {
	for _, c := range p.conns {
		if c.Subscribed(symbol) {
			return true
		}
	}
	return false
}

// Latest returns book entries for symbols no older than maxAge.
func (p *Pool) Latest(symbols []string, maxAge time.Duration) map[string]model.Tick {
	now := time.Now()
	out := make(map[string]model.Tick, len(symbols))
	p.mu.Lock()
	for _, s := range symbols {
		if t, ok := p.book[s]; ok && now.Sub(t.TS) <= maxAge {
			out[s] = t
		}
	}
	p.mu.Unlock()
	return out
}

// Fetch returns fresh ticks for symbols, waiting (bounded by ctx) for
// symbols not yet in the book. It ensures missing symbols are subscribed
// first. The result may be partial; ErrUnavailable is returned when no
// healthy connection exists to serve the missing symbols.
func (p *Pool) Fetch(ctx context.Context, symbols []string, maxAge time.Duration) (map[string]model.Tick, error) {
	out := p.Latest(symbols, maxAge)
	var missing []string
	for _, s := range symbols {
		if _, ok := out[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	if !p.AnyHealthy() {
		return out, ErrUnavailable
	}

	// Register waiters before subscribing so a tick racing the subscribe
	// cannot be missed.
	ch := make(chan model.Tick, len(missing))
	p.mu.Lock()
	for _, s := range missing {
		p.waiters[s] = append(p.waiters[s], ch)
	}
	p.mu.Unlock()
	defer p.dropWaiters(missing, ch)

	p.Subscribe(missing)

	want := make(map[string]bool, len(missing))
	for _, s := range missing {
		want[s] = true
	}
	for len(want) > 0 {
		select {
		case <-ctx.Done():
			return out, nil
		case t := <-ch:
			if want[t.Symbol] {
				delete(want, t.Symbol)
				out[t.Symbol] = t
			}
		}
	}
	return out, nil
}

func (p *Pool) dropWaiters(symbols []string, ch chan model.Tick) {
	p.mu.Lock()
	for _, s := range symbols {
		kept := p.waiters[s][:0]
		for _, c := range p.waiters[s] {
			if c != ch {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(p.waiters, s)
		} else {
			p.waiters[s] = kept
		}
	}
	p.mu.Unlock()
}

// AnyHealthy reports whether at least one connection is healthy.
func (p *Pool) AnyHealthy() bool {
	for _, c := range p.conns {
		if c.Healthy() {
			return true
		}
	}
	return false
}

// HealthyCount returns the number of currently healthy connections.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, c := range p.conns {
		if c.Healthy() {
			n++
		}
	}
	return n
}

// ProviderHealthy reports whether any connection of the given provider is
// healthy. The fallback registry probes primary sources through this.
func (p *Pool) ProviderHealthy(providerID string) bool {
	for _, c := range p.conns {
		if c.ProviderID() == providerID && c.Healthy() {
			return true
		}
	}
	return false
}

// Revive re-connects FAILED and DISCONNECTED connections. Called by the
// supervision loop.
func (p *Pool) Revive(ctx context.Context) int {
	revived := 0
	for _, c := range p.conns {
		switch c.State() {
		case StateFailed, StateDisconnected:
			if c.Connect(ctx) {
				revived++
			}
		}
	}
	return revived
}

// Stats returns per-connection snapshots ordered by connection ID.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// connsBySpare orders connections by spare capacity, fullest last, so
// subscribe batches pack earlier connections before spilling over.
func (p *Pool) connsBySpare() []*Connection {
	out := append([]*Connection(nil), p.conns...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Spare() > out[j].Spare() })
	return out
}
