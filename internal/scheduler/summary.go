package scheduler

import (
	"time"

	"pulsefeed/internal/cache"
	"pulsefeed/internal/fetch"
	"pulsefeed/internal/metrics"
	"pulsefeed/internal/models"
	"pulsefeed/internal/ratelimit"
)

// SymbolSummary is one tracked symbol's current cache view.
type SymbolSummary struct {
	Symbol        string  `json:"symbol"`
	State         string  `json:"state"`
	Price         float64 `json:"price,omitempty"`
	Change        float64 `json:"change,omitempty"`
	ChangePercent float64 `json:"change_percent,omitempty"`
	Volume        int64   `json:"volume,omitempty"`
	Staleness     string  `json:"staleness,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
}

// Summary aggregates the pipeline's current state for the ops surface.
type Summary struct {
	GeneratedAt  time.Time            `json:"generated_at"`
	TotalSymbols int                  `json:"total_symbols"`
	FreshCount   int                  `json:"fresh_count"`
	StaleCount   int                  `json:"stale_count"`
	MissingCount int                  `json:"missing_count"`
	TotalChange  float64              `json:"total_change"`
	TotalVolume  int64                `json:"total_volume"`
	Symbols      []SymbolSummary      `json:"symbols"`
	Quota        ratelimit.QuotaState `json:"quota"`
	Counters     metrics.Snapshot     `json:"counters"`
}

// Summary aggregates current cache state across all tracked symbols.
// It reads only the cache and bookkeeping; no admission is consumed.
func (s *Scheduler) Summary() Summary {
	out := Summary{
		GeneratedAt:  time.Now(),
		TotalSymbols: len(s.cfg.Symbols),
		Quota:        s.quota.Snapshot(fetch.SourceID),
		Counters:     s.counters.Read(),
	}

	for _, sym := range s.cfg.Symbols {
		it := s.items[sym]
		it.mu.Lock()
		entry := SymbolSummary{
			Symbol:    sym,
			State:     it.state.String(),
			LastError: it.lastError,
		}
		it.mu.Unlock()

		v, staleness, ok := s.cache.Get(sym)
		if !ok {
			out.MissingCount++
			out.Symbols = append(out.Symbols, entry)
			continue
		}
		q := v.(*models.Quote)
		entry.Price = q.Price
		entry.Change = q.Change
		entry.ChangePercent = q.ChangePercent
		entry.Volume = q.Volume
		entry.Staleness = staleness.String()

		if staleness == cache.Fresh {
			out.FreshCount++
		} else {
			out.StaleCount++
		}
		out.TotalChange += q.Change
		out.TotalVolume += q.Volume
		out.Symbols = append(out.Symbols, entry)
	}
	return out
}

// suggestionPool is the static list behind the suggestions read. Not
// quota-bound: it never touches the provider.
var suggestionPool = []string{
	"RELIANCE.BSE", "TCS.BSE", "HDFCBANK.BSE", "INFY.BSE", "ICICIBANK.BSE",
	"HINDUNILVR.BSE", "ITC.BSE", "SBIN.BSE", "BHARTIARTL.BSE", "KOTAKBANK.BSE",
	"WIPRO.BSE", "AXISBANK.BSE", "LT.BSE", "MARUTI.BSE", "SUNPHARMA.BSE",
}

// Suggestions returns symbols worth tracking that are not already
// tracked. Derived from a static pool; no rate limiting applies.
func (s *Scheduler) Suggestions() []string {
	var out []string
	for _, sym := range suggestionPool {
		if _, tracked := s.items[sym]; !tracked {
			out = append(out, sym)
		}
	}
	return out
}
