// Package fetch wraps the quota-bound quotes provider. It performs one
// admission-gated request per attempt, classifies failures, and retries
// only the transient class with exponential backoff.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"pulsefeed/internal/faulttolerance"
	"pulsefeed/internal/models"
)

// SourceID identifies the quotes provider in rate-limiter bookkeeping.
const SourceID = "quotes_provider"

// Admitter grants permission for one external call. Every attempt,
// including retries, re-acquires; the provider's own throttling is never
// the primary control.
type Admitter interface {
	Acquire(ctx context.Context, sourceID string) error
}

// Config holds provider endpoint and retry settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Jitter      float64
}

// Client fetches quotes from the provider.
type Client struct {
	cfg     Config
	http    *http.Client
	admit   Admitter
	retryer *faulttolerance.Retryer
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a provider client. onRetry, if non-nil, is called
// once per retry for observability.
func NewClient(cfg Config, admit Admitter, logger *slog.Logger, onRetry func()) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	retryer := faulttolerance.NewRetryer(faulttolerance.RetryConfig{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffCap,
		Multiplier:  2.0,
		JitterRange: cfg.Jitter,
		Name:        "fetch",
	}, logger)
	if onRetry != nil {
		retryer.OnRetry(onRetry)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		admit:   admit,
		retryer: retryer,
		logger:  logger,
		now:     time.Now,
	}
}

// globalQuoteResponse is the provider's GLOBAL_QUOTE envelope.
type globalQuoteResponse struct {
	GlobalQuote map[string]string `json:"Global Quote"`
	Note        string            `json:"Note"`
	Information string            `json:"Information"`
}

// Fetch performs one logical quote fetch for symbol. Transient failures
// are retried internally; every attempt re-acquires an admission token.
func (c *Client) Fetch(ctx context.Context, symbol string) (*models.Quote, error) {
	if !models.ValidateSymbol(symbol) {
		return nil, &Error{Class: ClassNotFound, Symbol: symbol,
			Err: fmt.Errorf("symbol fails validation before fetch")}
	}

	var quote *models.Quote
	err := c.retryer.Execute(ctx, func() error {
		if err := c.admit.Acquire(ctx, SourceID); err != nil {
			return faulttolerance.NonRetryable(err)
		}
		q, err := c.fetchOnce(ctx, symbol)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return faulttolerance.NonRetryable(err)
		}
		quote = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

func (c *Client) fetchOnce(ctx context.Context, symbol string) (*models.Quote, error) {
	body, err := c.get(ctx, symbol, url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {symbol},
		"apikey":   {c.cfg.APIKey},
	})
	if err != nil {
		return nil, err
	}

	var resp globalQuoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Class: ClassMalformed, Symbol: symbol,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Note != "" || resp.Information != "" {
		// The provider signals throttling with a 200 and a prose note.
		return nil, &Error{Class: ClassRateLimited, Symbol: symbol,
			Err: fmt.Errorf("provider throttled the request")}
	}
	if len(resp.GlobalQuote) == 0 {
		return nil, &Error{Class: ClassNotFound, Symbol: symbol,
			Err: fmt.Errorf("no quote data in response")}
	}

	return c.parseQuote(symbol, resp.GlobalQuote)
}

// parseQuote maps the provider's numbered field names onto a Quote.
func (c *Client) parseQuote(symbol string, raw map[string]string) (*models.Quote, error) {
	var parseErr error
	num := func(key string) float64 {
		s := strings.TrimSuffix(strings.TrimSpace(raw[key]), "%")
		if s == "" {
			if parseErr == nil {
				parseErr = fmt.Errorf("missing field %q", key)
			}
			return 0
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil && parseErr == nil {
			parseErr = fmt.Errorf("parse field %q: %w", key, err)
		}
		return v
	}

	q := &models.Quote{
		Symbol:        symbol,
		Market:        models.MarketOf(symbol),
		Open:          num("02. open"),
		High:          num("03. high"),
		Low:           num("04. low"),
		Price:         num("05. price"),
		Change:        num("09. change"),
		ChangePercent: num("10. change percent"),
	}
	if parseErr != nil {
		return nil, &Error{Class: ClassMalformed, Symbol: symbol, Err: parseErr}
	}

	vol, err := strconv.ParseInt(strings.TrimSpace(raw["06. volume"]), 10, 64)
	if err != nil {
		return nil, &Error{Class: ClassMalformed, Symbol: symbol,
			Err: fmt.Errorf("parse volume: %w", err)}
	}
	q.Volume = vol

	q.ObservedAt = c.observedAt(raw["07. latest trading day"])
	q.IngestedAt = c.now()
	if err := q.Validate(); err != nil {
		return nil, &Error{Class: ClassMalformed, Symbol: symbol, Err: err}
	}
	return q, nil
}

// observedAt parses the provider's trading-day stamp, falling back to
// now so observed_at never exceeds ingested_at.
func (c *Client) observedAt(day string) time.Time {
	if t, err := time.Parse("2006-01-02", strings.TrimSpace(day)); err == nil {
		return t
	}
	return c.now()
}

// dailySeriesResponse is the provider's TIME_SERIES_DAILY envelope.
type dailySeriesResponse struct {
	Series      map[string]map[string]string `json:"Time Series (Daily)"`
	Note        string                       `json:"Note"`
	Information string                       `json:"Information"`
}

// FetchDaily returns up to days historical bars for symbol, oldest
// first. Used for warehouse backfill; same classification rules as Fetch.
func (c *Client) FetchDaily(ctx context.Context, symbol string, days int) ([]models.Bar, error) {
	if !models.ValidateSymbol(symbol) {
		return nil, &Error{Class: ClassNotFound, Symbol: symbol,
			Err: fmt.Errorf("symbol fails validation before fetch")}
	}

	var bars []models.Bar
	err := c.retryer.Execute(ctx, func() error {
		if err := c.admit.Acquire(ctx, SourceID); err != nil {
			return faulttolerance.NonRetryable(err)
		}
		body, err := c.get(ctx, symbol, url.Values{
			"function": {"TIME_SERIES_DAILY"},
			"symbol":   {symbol},
			"apikey":   {c.cfg.APIKey},
		})
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return faulttolerance.NonRetryable(err)
		}

		var resp dailySeriesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return faulttolerance.NonRetryable(&Error{Class: ClassMalformed, Symbol: symbol,
				Err: fmt.Errorf("decode response: %w", err)})
		}
		if resp.Note != "" || resp.Information != "" {
			return faulttolerance.NonRetryable(&Error{Class: ClassRateLimited, Symbol: symbol,
				Err: fmt.Errorf("provider throttled the request")})
		}
		if len(resp.Series) == 0 {
			return faulttolerance.NonRetryable(&Error{Class: ClassNotFound, Symbol: symbol,
				Err: fmt.Errorf("no daily series in response")})
		}

		parsed, err := parseDailySeries(symbol, resp.Series, days)
		if err != nil {
			return faulttolerance.NonRetryable(err)
		}
		bars = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func parseDailySeries(symbol string, series map[string]map[string]string, days int) ([]models.Bar, error) {
	dates := make([]string, 0, len(series))
	for d := range series {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if days > 0 && len(dates) > days {
		dates = dates[:days]
	}

	bars := make([]models.Bar, 0, len(dates))
	for _, d := range dates {
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			return nil, &Error{Class: ClassMalformed, Symbol: symbol,
				Err: fmt.Errorf("parse date %q: %w", d, err)}
		}
		values := series[d]
		bar := models.Bar{Symbol: symbol, Date: day}
		for key, dst := range map[string]*float64{
			"1. open":  &bar.Open,
			"2. high":  &bar.High,
			"3. low":   &bar.Low,
			"4. close": &bar.Close,
		} {
			v, err := strconv.ParseFloat(strings.TrimSpace(values[key]), 64)
			if err != nil {
				return nil, &Error{Class: ClassMalformed, Symbol: symbol,
					Err: fmt.Errorf("parse %q for %s: %w", key, d, err)}
			}
			*dst = v
		}
		vol, err := strconv.ParseInt(strings.TrimSpace(values["5. volume"]), 10, 64)
		if err != nil {
			return nil, &Error{Class: ClassMalformed, Symbol: symbol,
				Err: fmt.Errorf("parse volume for %s: %w", d, err)}
		}
		bar.Volume = vol
		bars = append(bars, bar)
	}

	// Oldest first so warehouse appends preserve chronology.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// FetchIntraday returns in-day bars for symbol at the given interval
// ("1min", "5min", ...), oldest first. Same classification rules as
// Fetch; an empty interval defaults to 5min.
func (c *Client) FetchIntraday(ctx context.Context, symbol, interval string) ([]models.IntradayBar, error) {
	if !models.ValidateSymbol(symbol) {
		return nil, &Error{Class: ClassNotFound, Symbol: symbol,
			Err: fmt.Errorf("symbol fails validation before fetch")}
	}
	if interval == "" {
		interval = "5min"
	}

	var bars []models.IntradayBar
	err := c.retryer.Execute(ctx, func() error {
		if err := c.admit.Acquire(ctx, SourceID); err != nil {
			return faulttolerance.NonRetryable(err)
		}
		body, err := c.get(ctx, symbol, url.Values{
			"function": {"TIME_SERIES_INTRADAY"},
			"symbol":   {symbol},
			"interval": {interval},
			"apikey":   {c.cfg.APIKey},
		})
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return faulttolerance.NonRetryable(err)
		}

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return faulttolerance.NonRetryable(&Error{Class: ClassMalformed, Symbol: symbol,
				Err: fmt.Errorf("decode response: %w", err)})
		}
		if _, throttled := envelope["Note"]; throttled {
			return faulttolerance.NonRetryable(&Error{Class: ClassRateLimited, Symbol: symbol,
				Err: fmt.Errorf("provider throttled the request")})
		}
		if _, throttled := envelope["Information"]; throttled {
			return faulttolerance.NonRetryable(&Error{Class: ClassRateLimited, Symbol: symbol,
				Err: fmt.Errorf("provider throttled the request")})
		}

		raw, ok := envelope["Time Series ("+interval+")"]
		if !ok {
			return faulttolerance.NonRetryable(&Error{Class: ClassNotFound, Symbol: symbol,
				Err: fmt.Errorf("no intraday series in response")})
		}
		var series map[string]map[string]string
		if err := json.Unmarshal(raw, &series); err != nil {
			return faulttolerance.NonRetryable(&Error{Class: ClassMalformed, Symbol: symbol,
				Err: fmt.Errorf("decode intraday series: %w", err)})
		}

		parsed, err := parseIntradaySeries(symbol, series)
		if err != nil {
			return faulttolerance.NonRetryable(err)
		}
		bars = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func parseIntradaySeries(symbol string, series map[string]map[string]string) ([]models.IntradayBar, error) {
	bars := make([]models.IntradayBar, 0, len(series))
	for stamp, values := range series {
		ts, err := time.Parse("2006-01-02 15:04:05", stamp)
		if err != nil {
			return nil, &Error{Class: ClassMalformed, Symbol: symbol,
				Err: fmt.Errorf("parse timestamp %q: %w", stamp, err)}
		}
		bar := models.IntradayBar{Symbol: symbol, Timestamp: ts}
		for key, dst := range map[string]*float64{
			"1. open":  &bar.Open,
			"2. high":  &bar.High,
			"3. low":   &bar.Low,
			"4. close": &bar.Close,
		} {
			v, err := strconv.ParseFloat(strings.TrimSpace(values[key]), 64)
			if err != nil {
				return nil, &Error{Class: ClassMalformed, Symbol: symbol,
					Err: fmt.Errorf("parse %q for %s: %w", key, stamp, err)}
			}
			*dst = v
		}
		vol, err := strconv.ParseInt(strings.TrimSpace(values["5. volume"]), 10, 64)
		if err != nil {
			return nil, &Error{Class: ClassMalformed, Symbol: symbol,
				Err: fmt.Errorf("parse volume for %s: %w", stamp, err)}
		}
		bar.Volume = vol
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// get performs one HTTP request and classifies transport-level failures.
func (c *Client) get(ctx context.Context, symbol string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &Error{Class: ClassMalformed, Symbol: symbol, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection resets surface here.
		return nil, &Error{Class: ClassTransient, Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Class: ClassRateLimited, Symbol: symbol,
			Err: fmt.Errorf("provider returned 429")}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Class: ClassNotFound, Symbol: symbol,
			Err: fmt.Errorf("provider returned 404")}
	case resp.StatusCode >= 500:
		return nil, &Error{Class: ClassTransient, Symbol: symbol,
			Err: fmt.Errorf("provider returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Class: ClassMalformed, Symbol: symbol,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Symbol: symbol,
			Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
