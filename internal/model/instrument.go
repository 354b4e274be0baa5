package model

// Instrument is a catalog entry for a tradeable symbol. The catalog seeds
// symbol priorities for pool allocation and starting validation tiers for
// watched instruments.
type Instrument struct {
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
	Name      string `json:"name"`
	Priority  int    `json:"priority"`   // 1 (highest) .. 5 (lowest); default 3
	WatchTier Tier   `json:"watch_tier"` // starting validation tier for this symbol
	Active    bool   `json:"active"`
}

// Key returns a unique key for this instrument: "exchange:symbol".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Symbol
}
