package model

import (
	"encoding/json"
	"time"
)

// Tick represents a single market data observation for one symbol from one
// upstream source. Prices are float64 because vendors quote decimal prices at
// varying precision; all downstream comparison logic is ratio-based.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Exchange   string    `json:"exchange"`
	Price      float64   `json:"price"`      // last traded price
	Volume     int64     `json:"volume"`     // last traded quantity
	TS         time.Time `json:"ts"`         // observation time (UTC)
	Source     string    `json:"source"`     // provider or vendor ID that produced this tick
	Tier       Tier      `json:"tier"`       // validation tier this tick passed through
	Confidence float64   `json:"confidence"` // [0,1]; 1.0 = fully validated primary data

	// Session aggregates, populated only when the source supplies them.
	Open  float64 `json:"open,omitempty"`
	High  float64 `json:"high,omitempty"`
	Low   float64 `json:"low,omitempty"`
	Close float64 `json:"close,omitempty"`
}

// Key returns a unique key for this tick's instrument: "exchange:symbol".
func (t *Tick) Key() string {
	return t.Exchange + ":" + t.Symbol
}

// Age reports how stale this tick is relative to now.
func (t *Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.TS)
}

// JSON returns the JSON-encoded tick (ignoring errors for hot-path usage).
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
