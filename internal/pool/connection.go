// Package pool manages WebSocket connections to streaming market data
// providers. Each connection runs its own read and heartbeat workers, owns
// its subscription set, and recovers from drops with exponential backoff.
// The pool aggregates connections, keeps a latest-tick book and serves
// on-demand fetches for the cache's authoritative layer.
package pool

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"mdpipeline/internal/model"
)

// Provider describes one streaming upstream.
type Provider struct {
	ID          string
	URL         string
	APIKey      string
	TOTPSecret  string // non-empty for providers requiring session codes
	Connections int    // connections the pool opens against this provider
	Capacity    int    // max symbols per connection
}

// Config tunes connection behavior. Zero fields fall back to defaults.
type Config struct {
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxErrors         int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     int
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.MaxErrors == 0 {
		c.MaxErrors = 10
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
}

// Stats is a point-in-time view of one connection.
type Stats struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	State         string    `json:"state"`
	Subscribed    int       `json:"subscribed"`
	Capacity      int       `json:"capacity"`
	ErrorCount    int       `json:"error_count"`
	Malformed     int64     `json:"malformed_frames"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Healthy       bool      `json:"healthy"`
}

// Connection is a single WebSocket connection to a provider. All mutable
// state is guarded by mu and mutated only by this connection's own workers
// and synchronous API calls; the socket write path is serialized separately.
type Connection struct {
	id       string
	provider Provider
	cfg      Config
	log      *zap.Logger

	mu            sync.Mutex
	state         State
	subs          map[string]struct{}
	ws            *websocket.Conn
	errorCount    int
	malformed     int64
	lastHeartbeat time.Time
	connectedAt   time.Time
	closing       bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	// Callbacks are set before Connect and not changed afterwards.
	OnTick        func(model.Tick)
	OnStateChange func(id string, from, to State)
	OnGiveUp      func(id string, lastErr error)
}

// NewConnection creates a connection in the DISCONNECTED state.
func NewConnection(id string, prov Provider, cfg Config, log *zap.Logger) *Connection {
	cfg.defaults()
	if prov.Capacity <= 0 {
		prov.Capacity = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       id,
		provider: prov,
		cfg:      cfg,
		log:      log.Named("conn").With(zap.String("conn_id", id)),
		state:    StateDisconnected,
		subs:     make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// ProviderID returns the upstream provider this connection belongs to.
func (c *Connection) ProviderID() string { return c.provider.ID }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection. Idempotent: a live connection is a
// no-op returning true, an in-flight attempt returns false without side
// effects. A failed dial increments the error count and returns false.
func (c *Connection) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return true
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.errorCount++
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.log.Warn("connect failed", zap.Error(err))
		return false
	}
	return true
}

// dial performs one handshake and, on success, installs the socket,
// clears the error count and starts the read/heartbeat workers.
func (c *Connection) dial(ctx context.Context) error {
	header := http.Header{}
	if c.provider.APIKey != "" {
		header.Set("X-API-Key", c.provider.APIKey)
	}
	if c.provider.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.provider.TOTPSecret, time.Now())
		if err != nil {
			return err
		}
		header.Set("X-TOTP-Code", code)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dctx, c.provider.URL, header)
	if err != nil {
		if resp != nil {
			c.log.Warn("dial rejected", zap.String("status", resp.Status))
		}
		return err
	}

	ws.SetPongHandler(func(string) error {
		c.touchHeartbeat()
		return nil
	})

	now := time.Now()
	c.mu.Lock()
	c.ws = ws
	// A fresh socket starts with a clean error budget.
	c.errorCount = 0
	c.lastHeartbeat = now
	c.connectedAt = now
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.heartbeatLoop(ws)

	c.log.Info("connected", zap.String("url", c.provider.URL))
	return nil
}

// readLoop owns the inbound side of one socket generation. It exits when
// the socket dies and hands recovery to the reconnect loop.
func (c *Connection) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.handleDisconnect(ws, err)
			return
		}

		frame, err := decodeTickFrame(raw)
		if err != nil {
			c.mu.Lock()
			c.malformed++
			c.mu.Unlock()
			c.log.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("raw", raw))
			continue
		}

		c.touchHeartbeat()
		if c.OnTick != nil {
			c.OnTick(frame.toTick(c.provider.ID))
		}
	}
}

// heartbeatLoop sends periodic pings on one socket generation. It stops
// when the generation is replaced or the connection shuts down.
func (c *Connection) heartbeatLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.isCurrent(ws) {
				return
			}
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn("ping write failed", zap.Error(err))
				// The read loop observes the broken socket and reconnects.
				return
			}
		}
	}
}

func (c *Connection) isCurrent(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws == ws
}

func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// handleDisconnect moves a dropped connection into RECONNECTING and runs
// the backoff schedule. Only the read loop of the current generation gets
// here, so recovery runs at most once per drop.
func (c *Connection) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closing || c.ws != ws || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.errorCount++
	c.ws = nil
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	ws.Close()
	c.log.Warn("connection lost", zap.Error(cause))
	c.reconnectLoop(cause)
}

// reconnectLoop retries with delay = base * 2^(attempt-1), capped, for a
// bounded number of attempts. Exhaustion leaves the connection FAILED.
func (c *Connection) reconnectLoop(cause error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	lastErr := cause
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := bo.NextBackOff()
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.dial(c.ctx); err != nil {
			lastErr = err
			c.mu.Lock()
			c.errorCount++
			c.mu.Unlock()
			c.log.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max", c.cfg.MaxReconnects),
				zap.Error(err))
			continue
		}

		if err := c.resubscribe(); err != nil {
			c.log.Warn("resubscribe after reconnect failed", zap.Error(err))
		}
		c.log.Info("reconnected", zap.Int("attempt", attempt))
		return
	}

	c.mu.Lock()
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
	c.log.Error("reconnect attempts exhausted", zap.Error(lastErr))
	if c.OnGiveUp != nil {
		c.OnGiveUp(c.id, lastErr)
	}
}

// resubscribe replays the subscription set onto a fresh socket.
func (c *Connection) resubscribe() error {
	c.mu.Lock()
	ws := c.ws
	symbols := make([]string, 0, len(c.subs))
	for s := range c.subs {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()
	if ws == nil || len(symbols) == 0 {
		return nil
	}
	return c.writeJSON(ws, subRequest{Event: "subscribe", Symbols: symbols})
}

// Subscribe adds symbols to this connection. Returns false with no partial
// effect unless the connection is CONNECTED and the whole batch fits within
// capacity. Already-subscribed symbols are no-ops; re-subscribing an
// identical set returns true.
func (c *Connection) Subscribe(symbols []string) bool {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return false
	}
	var fresh []string
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := c.subs[s]; !ok {
			fresh = append(fresh, s)
		}
	}
	if len(c.subs)+len(fresh) > c.provider.Capacity {
		c.mu.Unlock()
		return false
	}
	ws := c.ws
	c.mu.Unlock()

	if len(fresh) == 0 {
		return true
	}
	if err := c.writeJSON(ws, subRequest{Event: "subscribe", Symbols: fresh}); err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		c.log.Warn("subscribe write failed", zap.Error(err))
		return false
	}

	c.mu.Lock()
	for _, s := range fresh {
		c.subs[s] = struct{}{}
	}
	c.mu.Unlock()
	return true
}

// Unsubscribe removes symbols from this connection. Symbols not subscribed
// here are ignored; reaching the desired end state counts as success.
func (c *Connection) Unsubscribe(symbols []string) bool {
	c.mu.Lock()
	var present []string
	for _, s := range symbols {
		if _, ok := c.subs[s]; ok {
			present = append(present, s)
		}
	}
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if len(present) == 0 {
		return true
	}
	if !connected {
		return false
	}
	if err := c.writeJSON(ws, subRequest{Event: "unsubscribe", Symbols: present}); err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		c.log.Warn("unsubscribe write failed", zap.Error(err))
		return false
	}

	c.mu.Lock()
	for _, s := range present {
		delete(c.subs, s)
	}
	c.mu.Unlock()
	return true
}

// Subscribed reports whether symbol is subscribed on this connection.
func (c *Connection) Subscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[symbol]
	return ok
}

// Spare returns remaining subscription capacity.
func (c *Connection) Spare() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider.Capacity - len(c.subs)
}

// Healthy reports whether this connection is usable: CONNECTED, recent
// heartbeat, and an error count within tolerance.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthyLocked(time.Now())
}

func (c *Connection) healthyLocked(now time.Time) bool {
	return c.state == StateConnected &&
		now.Sub(c.lastHeartbeat) < c.cfg.HeartbeatTimeout &&
		c.errorCount <= c.cfg.MaxErrors
}

// Stats returns a snapshot of this connection.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ID:            c.id,
		Provider:      c.provider.ID,
		State:         c.state.String(),
		Subscribed:    len(c.subs),
		Capacity:      c.provider.Capacity,
		ErrorCount:    c.errorCount,
		Malformed:     c.malformed,
		LastHeartbeat: c.lastHeartbeat,
		Healthy:       c.healthyLocked(time.Now()),
	}
}

// Close shuts the connection down permanently.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	ws := c.ws
	c.ws = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		c.writeMu.Unlock()
		ws.Close()
	}
}

func (c *Connection) writeJSON(ws *websocket.Conn, v interface{}) error {
	if ws == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteJSON(v)
}

// setStateLocked applies a transition if the table allows it. Callers hold mu.
func (c *Connection) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		c.log.Error("rejected invalid state transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return
	}
	c.state = to
	if c.OnStateChange != nil {
		c.OnStateChange(c.id, from, to)
	}
}
