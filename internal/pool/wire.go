package pool

import (
	"encoding/json"
	"errors"
	"time"

	"mdpipeline/internal/model"
)

// Providers stream newline-free JSON frames:
//
//	{"type":"tick","symbol":"RELIANCE","exchange":"NSE","price":2500.5,"volume":120,"ts":"2025-06-02T10:04:05.123Z"}
//
// Subscription management uses event frames in the other direction:
//
//	{"event":"subscribe","symbols":["RELIANCE","TCS"]}

type tickFrame struct {
	Type     string    `json:"type"`
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	Price    float64   `json:"price"`
	Volume   int64     `json:"volume"`
	TS       time.Time `json:"ts"`
	Open     float64   `json:"open,omitempty"`
	High     float64   `json:"high,omitempty"`
	Low      float64   `json:"low,omitempty"`
	Close    float64   `json:"close,omitempty"`
}

type subRequest struct {
	Event   string   `json:"event"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}

var errMalformedFrame = errors.New("malformed tick frame")

// decodeTickFrame parses a raw frame. Only structural problems are rejected
// here; economically implausible values (negative prices and the like) are
// validation's job and must flow through.
func decodeTickFrame(raw []byte) (tickFrame, error) {
	var f tickFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, err
	}
	if f.Type != "tick" || f.Symbol == "" || f.TS.IsZero() {
		return f, errMalformedFrame
	}
	return f, nil
}

// toTick converts a wire frame into the pipeline tick model. Raw pool data
// is primary data: full confidence until validation says otherwise.
func (f *tickFrame) toTick(source string) model.Tick {
	return model.Tick{
		Symbol:     f.Symbol,
		Exchange:   f.Exchange,
		Price:      f.Price,
		Volume:     f.Volume,
		TS:         f.TS.UTC(),
		Source:     source,
		Confidence: 1.0,
		Open:       f.Open,
		High:       f.High,
		Low:        f.Low,
		Close:      f.Close,
	}
}
