// Package models defines the domain records that flow through the pipeline.
package models

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// symbolPattern matches provider tickers with their market suffix,
// e.g. "RELIANCE.BSE" or "INFY.NSE".
var symbolPattern = regexp.MustCompile(`^[A-Z0-9&-]{1,20}\.(BSE|NSE)$`)

// Quote is one point-in-time observation for a tradable symbol.
// Quotes are immutable once created; a newer observation for the same
// symbol supersedes, never mutates, an older one.
type Quote struct {
	// Symbol is the provider ticker including the market suffix.
	Symbol string `json:"symbol"`

	// Price is the last traded price.
	Price float64 `json:"price"`

	// Open, High and Low are the session values reported by the provider.
	Open float64 `json:"open"`
	High float64 `json:"high"`
	Low  float64 `json:"low"`

	// Volume is the session trade volume.
	Volume int64 `json:"volume"`

	// Change and ChangePercent may be negative.
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`

	// Market is the exchange identifier derived from the symbol suffix.
	Market string `json:"market"`

	// ObservedAt is the source timestamp of the observation.
	ObservedAt time.Time `json:"observed_at"`

	// IngestedAt is set by the pipeline when the quote is created.
	IngestedAt time.Time `json:"ingested_at"`
}

// ValidateSymbol reports whether s is a well-formed provider symbol.
// The scheduler checks this before any admission is attempted.
func ValidateSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// MarketOf extracts the exchange identifier from a symbol suffix.
func MarketOf(symbol string) string {
	if m := symbolPattern.FindStringSubmatch(symbol); m != nil {
		return m[1]
	}
	return ""
}

// Validate checks the quote invariants.
func (q *Quote) Validate() error {
	if !ValidateSymbol(q.Symbol) {
		return fmt.Errorf("invalid symbol %q", q.Symbol)
	}
	if math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
		return fmt.Errorf("corrupted price for %s", q.Symbol)
	}
	if q.High < q.Low {
		return fmt.Errorf("high %v below low %v for %s", q.High, q.Low, q.Symbol)
	}
	if q.Volume < 0 {
		return fmt.Errorf("negative volume %d for %s", q.Volume, q.Symbol)
	}
	if !q.IngestedAt.IsZero() && q.ObservedAt.After(q.IngestedAt) {
		return fmt.Errorf("observed_at after ingested_at for %s", q.Symbol)
	}
	return nil
}

// Bar is one historical daily observation, used for warehouse backfill.
type Bar struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// IntradayBar is one in-day observation at the provider's bar interval.
type IntradayBar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}
