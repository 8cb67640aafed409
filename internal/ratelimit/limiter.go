// Package ratelimit enforces dual quotas for quota-bound sources: a
// rolling short window and a calendar-day total. Admission must succeed
// against both before any network call is made; the provider's own
// rejection is never the primary control.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config holds the quota settings for one source class.
type Config struct {
	// WindowMax is the number of calls allowed per rolling Window.
	WindowMax int

	// Window is the rolling short-window duration, e.g. 60s.
	Window time.Duration

	// DailyMax is the number of calls allowed per UTC calendar day.
	DailyMax int
}

// Validate rejects quota settings the limiter cannot enforce.
// Called at startup; a failure here is fatal.
func (c Config) Validate() error {
	if c.WindowMax <= 0 {
		return fmt.Errorf("window max must be positive, got %d", c.WindowMax)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window duration must be positive, got %v", c.Window)
	}
	if c.DailyMax < c.WindowMax {
		return fmt.Errorf("daily max %d below window max %d", c.DailyMax, c.WindowMax)
	}
	return nil
}

// QuotaState is the per-source bookkeeping exposed for the ops summary.
type QuotaState struct {
	SourceID      string    `json:"source_id"`
	CallsInWindow int       `json:"calls_in_window"`
	DailyCount    int       `json:"daily_count"`
	DailyResetAt  time.Time `json:"daily_reset_at"`
}

// sourceState tracks grants for one source. Grant timestamps give the
// rolling window its accounting; a fixed bucket would allow bursts to
// straddle window boundaries.
type sourceState struct {
	grants       []time.Time
	dailyCount   int
	dailyResetAt time.Time
}

// Limiter serializes admission checks per process. The check and the
// counter increment happen under one lock, so quota enforcement is exact
// regardless of worker concurrency.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	onDeny func()

	mu      sync.Mutex
	sources map[string]*sourceState
}

// New creates a limiter with validated quota settings.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		sources: make(map[string]*sourceState),
	}, nil
}

// OnDeny registers a hook called once per denied admission. Used to
// count denials for observability.
func (l *Limiter) OnDeny(fn func()) { l.onDeny = fn }

// TryAcquire attempts to take one call slot for sourceID. When denied,
// retryAfter is the minimum wait until either quota frees a slot.
func (l *Limiter) TryAcquire(sourceID string) (granted bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	st := l.sources[sourceID]
	if st == nil {
		st = &sourceState{dailyResetAt: nextUTCMidnight(now)}
		l.sources[sourceID] = st
	}

	// Daily reset is monotonic: the boundary only ever moves forward.
	if !now.Before(st.dailyResetAt) {
		st.dailyCount = 0
		st.dailyResetAt = nextUTCMidnight(now)
	}

	// Drop grants that have rolled out of the short window.
	cutoff := now.Add(-l.cfg.Window)
	kept := st.grants[:0]
	for _, g := range st.grants {
		if g.After(cutoff) {
			kept = append(kept, g)
		}
	}
	st.grants = kept

	if st.dailyCount >= l.cfg.DailyMax {
		if l.onDeny != nil {
			l.onDeny()
		}
		return false, st.dailyResetAt.Sub(now)
	}
	if len(st.grants) >= l.cfg.WindowMax {
		if l.onDeny != nil {
			l.onDeny()
		}
		// The oldest grant leaving the window frees the next slot.
		return false, st.grants[0].Add(l.cfg.Window).Sub(now)
	}

	st.grants = append(st.grants, now)
	st.dailyCount++
	return true, 0
}

// Acquire blocks until a slot is granted or ctx is cancelled. The wait is
// cooperative: it sleeps out retryAfter and re-checks, so a cancelled
// caller never holds a slot.
func (l *Limiter) Acquire(ctx context.Context, sourceID string) error {
	for {
		granted, retryAfter := l.TryAcquire(sourceID)
		if granted {
			return nil
		}
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Snapshot returns the current quota state for sourceID.
func (l *Limiter) Snapshot(sourceID string) QuotaState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.sources[sourceID]
	if st == nil {
		return QuotaState{SourceID: sourceID}
	}
	now := l.now().UTC()
	cutoff := now.Add(-l.cfg.Window)
	inWindow := 0
	for _, g := range st.grants {
		if g.After(cutoff) {
			inWindow++
		}
	}
	return QuotaState{
		SourceID:      sourceID,
		CallsInWindow: inWindow,
		DailyCount:    st.dailyCount,
		DailyResetAt:  st.dailyResetAt,
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
