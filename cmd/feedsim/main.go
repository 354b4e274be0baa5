// cmd/feedsim — Demo market data provider.
// Serves the WebSocket tick stream and the REST quote API the pipeline's
// pool and fallback vendor clients speak, so mdpipeline runs end to end
// without real provider credentials.
//
// Stream frames:
//
//	{"type":"tick","symbol":"RELIANCE","exchange":"NSE","price":2885.50,"volume":120,"ts":"..."}
//
// Clients manage their stream with event frames in the other direction and
// receive only the symbols they subscribed:
//
//	{"event":"subscribe","symbols":["RELIANCE","TCS"]}
//
// The quote API serves the same simulated book: GET /quotes?symbols=A,B
// returns {"quotes":[...]} and /health returns 200.
//
// Config (env vars):
//
//	FEEDSIM_WS_ADDR      — WebSocket listen address (default ":8081")
//	FEEDSIM_QUOTE_ADDR   — quote API listen address (default ":8082")
//	FEEDSIM_SYMBOLS      — comma-separated SYMBOL:EXCHANGE pairs
//	FEEDSIM_INTERVAL_MS  — tick interval milliseconds (default "200")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// tickFrame is the provider wire shape, field for field what the pool decodes.
type tickFrame struct {
	Type     string    `json:"type"`
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	Price    float64   `json:"price"`
	Volume   int64     `json:"volume"`
	TS       time.Time `json:"ts"`
}

// subEvent is a client subscription change.
type subEvent struct {
	Event   string   `json:"event"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}

// quoteEntry is one row of the REST quote response.
type quoteEntry struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	Price    float64   `json:"price"`
	Volume   int64     `json:"volume"`
	TS       time.Time `json:"ts"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol   string
	Exchange string
	Price    float64
	Volume   int64
	TS       time.Time
}

// ---- Price book ----

// book is the shared simulated market, read by both listeners.
type book struct {
	mu    sync.RWMutex
	order []string
	bySym map[string]*instrument
}

func newBook(ins []instrument) *book {
	b := &book{bySym: make(map[string]*instrument, len(ins))}
	for i := range ins {
		in := ins[i]
		if _, ok := b.bySym[in.Symbol]; ok {
			continue
		}
		b.order = append(b.order, in.Symbol)
		b.bySym[in.Symbol] = &in
	}
	return b
}

// step advances every price one random-walk increment and returns the
// resulting tick frames.
func (b *book) step() []tickFrame {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := make([]tickFrame, 0, len(b.order))
	for _, sym := range b.order {
		in := b.bySym[sym]
		in.Price = walkPrice(in.Price)
		in.Volume = int64(rand.Intn(500) + 1)
		in.TS = now
		frames = append(frames, tickFrame{
			Type:     "tick",
			Symbol:   in.Symbol,
			Exchange: in.Exchange,
			Price:    in.Price,
			Volume:   in.Volume,
			TS:       in.TS,
		})
	}
	return frames
}

// quote returns current book rows for the requested symbols. Unknown
// symbols are silently absent, like a real vendor.
func (b *book) quote(symbols []string) []quoteEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]quoteEntry, 0, len(symbols))
	for _, sym := range symbols {
		in, ok := b.bySym[sym]
		if !ok {
			continue
		}
		out = append(out, quoteEntry{
			Symbol:   in.Symbol,
			Exchange: in.Exchange,
			Price:    in.Price,
			Volume:   in.Volume,
			TS:       in.TS,
		})
	}
	return out
}

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price float64) float64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < 1 {
		next = 1
	}
	return math.Round(next*100) / 100
}

// ---- Hub ----

// client is one WebSocket subscriber with its own outbound queue and
// subscription set.
type client struct {
	conn *websocket.Conn
	out  chan []byte

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *client) wants(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[symbol]
	return ok
}

func (c *client) apply(ev subEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Event {
	case "subscribe":
		for _, s := range ev.Symbols {
			if s != "" {
				c.subs[s] = struct{}{}
			}
		}
	case "unsubscribe":
		for _, s := range ev.Symbols {
			delete(c.subs, s)
		}
	}
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		out:  make(chan []byte, 256),
		subs: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.out)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// send queues msg for every client subscribed to symbol.
func (h *hub) send(symbol string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(symbol) {
			continue
		}
		select {
		case c.out <- msg:
		default: // slow client — drop tick
		}
	}
}

// ---- WebSocket handler ----

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: subscription events. Running it also services inbound
		// control frames, so client heartbeat pings get their pongs.
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					h.unregister(conn)
					return
				}
				var ev subEvent
				if err := json.Unmarshal(raw, &ev); err != nil {
					log.Printf("[feedsim] ignoring malformed event from %s: %v", r.RemoteAddr, err)
					continue
				}
				c.apply(ev)
				log.Printf("[feedsim] %s %s %d symbols", r.RemoteAddr, ev.Event, len(ev.Symbols))
			}
		}()

		// Write pump: sends tick JSON to this client.
		for msg := range c.out {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ---- Tick generator ----

func runGenerator(h *hub, b *book, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for _, f := range b.step() {
			msg, err := json.Marshal(f)
			if err != nil {
				continue
			}
			h.send(f.Symbol, msg)
		}
	}
}

// ---- Quote API ----

func quoteHandler(b *book) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("symbols")
		var symbols []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		if len(symbols) == 0 {
			http.Error(w, `{"error":"symbols query parameter required"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"quotes": b.quote(symbols)})
	}
}

func healthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","service":%q}`+"\n", service)
	}
}

// ---- main ----

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[feedsim] starting demo feed server...")

	wsAddr := envOrDefault("FEEDSIM_WS_ADDR", ":8081")
	quoteAddr := envOrDefault("FEEDSIM_QUOTE_ADDR", ":8082")
	symbolsEnv := envOrDefault("FEEDSIM_SYMBOLS", "RELIANCE:NSE,TCS:NSE,INFY:NSE,HDFCBANK:NSE,NIFTY50:NSE")
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 200)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[feedsim] no instruments configured via FEEDSIM_SYMBOLS")
	}
	log.Printf("[feedsim] instruments: %d, tick interval: %dms", len(instruments), intervalMs)

	b := newBook(instruments)
	h := newHub()

	go runGenerator(h, b, intervalMs)

	quoteMux := http.NewServeMux()
	quoteMux.HandleFunc("/quotes", quoteHandler(b))
	quoteMux.HandleFunc("/health", healthHandler("feedsim-quotes"))
	go func() {
		log.Printf("[feedsim] quote API listening on %s", quoteAddr)
		if err := http.ListenAndServe(quoteAddr, quoteMux); err != nil {
			log.Fatalf("[feedsim] quote server error: %v", err)
		}
	}()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", wsHandler(h))
	wsMux.HandleFunc("/health", healthHandler("feedsim"))

	log.Printf("[feedsim] listening on %s (WebSocket: ws://localhost%s/ws)", wsAddr, wsAddr)
	if err := http.ListenAndServe(wsAddr, wsMux); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ---- helpers ----

func parseInstruments(s string) []instrument {
	startPrices := map[string]float64{
		"RELIANCE": 2885.50,
		"TCS":      4125.00,
		"INFY":     1562.30,
		"HDFCBANK": 1689.75,
		"NIFTY50":  24850.00,
	}

	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[feedsim] skipping invalid symbol spec: %q", part)
			continue
		}
		symbol, exchange := strings.TrimSpace(seg[0]), strings.TrimSpace(seg[1])
		price := startPrices[symbol]
		if price == 0 {
			price = 1000.00
		}
		result = append(result, instrument{
			Symbol:   symbol,
			Exchange: exchange,
			Price:    price,
			Volume:   int64(rand.Intn(500) + 1),
			TS:       time.Now().UTC(),
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
