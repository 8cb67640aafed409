// Package faulttolerance provides the retry and spill primitives shared
// by the fetch client, publisher and warehouse sink.
package faulttolerance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds backoff settings for a retry loop.
type RetryConfig struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // backoff cap
	Multiplier  float64       // exponential growth factor
	JitterRange float64       // fraction of the delay randomized, 0..1
	Name        string        // identifies the loop in logs
}

// DefaultRetryConfig returns sensible backoff settings for name.
func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
		Name:        name,
	}
}

// RetryableFunc is one attempt of the operation under retry.
type RetryableFunc func() error

// Permanent wraps an error that must not be retried; Execute surfaces it
// immediately to the caller.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// NonRetryable marks err as terminal for the enclosing retry loop.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Retryer runs operations with exponential backoff and jitter.
// Cancellation is checked before each attempt and during each sleep.
// A Retryer is safe for concurrent use by multiple goroutines.
type Retryer struct {
	cfg     RetryConfig
	logger  *slog.Logger
	onRetry func()
}

// NewRetryer creates a retryer, filling in defaults for zero-valued
// config fields.
func NewRetryer(cfg RetryConfig, logger *slog.Logger) *Retryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 1.0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterRange < 0 || cfg.JitterRange > 1.0 {
		cfg.JitterRange = 0.1
	}
	if cfg.Name == "" {
		cfg.Name = "retryer"
	}
	return &Retryer{
		cfg:    cfg,
		logger: logger,
	}
}

// OnRetry registers a hook called once per retry attempt, after the
// first failure. Used to count retries for observability.
func (r *Retryer) OnRetry(fn func()) { r.onRetry = fn }

// Execute runs fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent, or ctx is cancelled.
func (r *Retryer) Execute(ctx context.Context, fn RetryableFunc) error {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry",
					"name", r.cfg.Name, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		r.logger.Warn("attempt failed, backing off",
			"name", r.cfg.Name, "attempt", attempt, "delay", delay, "error", err)
		if r.onRetry != nil {
			r.onRetry()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s: %d attempts exhausted: %w", r.cfg.Name, r.cfg.MaxAttempts, lastErr)
}

// delay computes the backoff for the given attempt with jitter applied
// in both directions to avoid a thundering herd.
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if r.cfg.JitterRange > 0 {
		// The shared top-level source is safe for concurrent callers;
		// one retryer may back off on several goroutines at once.
		jitter := rand.Float64() * r.cfg.JitterRange * d
		if rand.Float64() < 0.5 {
			d -= jitter
		} else {
			d += jitter
		}
	}
	if d < float64(r.cfg.BaseDelay) {
		d = float64(r.cfg.BaseDelay)
	}
	return time.Duration(d)
}
