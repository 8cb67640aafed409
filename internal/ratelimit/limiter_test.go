package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return l
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{WindowMax: 5, Window: time.Minute, DailyMax: 500}, false},
		{"zero window max", Config{WindowMax: 0, Window: time.Minute, DailyMax: 500}, true},
		{"zero window duration", Config{WindowMax: 5, Window: 0, DailyMax: 500}, true},
		{"daily below window", Config{WindowMax: 5, Window: time.Minute, DailyMax: 3}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestWindowQuotaExhaustion(t *testing.T) {
	l := newTestLimiter(t, Config{WindowMax: 5, Window: time.Minute, DailyMax: 500})

	grants := 0
	denials := 0
	var lastRetry time.Duration
	for i := 0; i < 6; i++ {
		granted, retryAfter := l.TryAcquire("alphavantage")
		if granted {
			grants++
		} else {
			denials++
			lastRetry = retryAfter
		}
	}

	if grants != 5 {
		t.Errorf("expected 5 grants, got %d", grants)
	}
	if denials != 1 {
		t.Errorf("expected 1 denial, got %d", denials)
	}
	if lastRetry <= 0 {
		t.Errorf("expected positive retryAfter on denial, got %v", lastRetry)
	}
}

func TestOnDenyHookCounts(t *testing.T) {
	l := newTestLimiter(t, Config{WindowMax: 2, Window: time.Minute, DailyMax: 100})

	denials := 0
	l.OnDeny(func() { denials++ })

	for i := 0; i < 5; i++ {
		l.TryAcquire("src")
	}
	if denials != 3 {
		t.Errorf("recorded %d denials, want 3", denials)
	}
}

func TestWindowRollsForward(t *testing.T) {
	l := newTestLimiter(t, Config{WindowMax: 2, Window: time.Minute, DailyMax: 100})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }

	if granted, _ := l.TryAcquire("src"); !granted {
		t.Fatal("first acquire should be granted")
	}
	current = base.Add(30 * time.Second)
	if granted, _ := l.TryAcquire("src"); !granted {
		t.Fatal("second acquire should be granted")
	}
	if granted, _ := l.TryAcquire("src"); granted {
		t.Fatal("third acquire within window should be denied")
	}

	// Oldest grant rolls out after 60s; exactly one slot frees.
	current = base.Add(61 * time.Second)
	if granted, _ := l.TryAcquire("src"); !granted {
		t.Error("acquire after window rolled should be granted")
	}
	if granted, _ := l.TryAcquire("src"); granted {
		t.Error("only one slot should have freed")
	}
}

func TestDailyQuotaAndReset(t *testing.T) {
	l := newTestLimiter(t, Config{WindowMax: 10, Window: time.Second, DailyMax: 10})

	base := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		if granted, _ := l.TryAcquire("src"); !granted {
			t.Fatalf("acquire %d should be granted", i)
		}
		current = current.Add(2 * time.Second)
	}

	granted, retryAfter := l.TryAcquire("src")
	if granted {
		t.Fatal("daily quota exhausted, acquire should be denied")
	}
	reset := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if want := reset.Sub(current); retryAfter != want {
		t.Errorf("retryAfter = %v, want wait until UTC midnight %v", retryAfter, want)
	}

	// Counter resets at the day boundary.
	current = reset.Add(time.Second)
	if granted, _ := l.TryAcquire("src"); !granted {
		t.Error("acquire after daily reset should be granted")
	}

	st := l.Snapshot("src")
	if st.DailyCount != 1 {
		t.Errorf("daily count after reset = %d, want 1", st.DailyCount)
	}
	if !st.DailyResetAt.After(reset) {
		t.Errorf("daily reset moved backward: %v", st.DailyResetAt)
	}
}

func TestSourcesAreIndependent(t *testing.T) {
	l := newTestLimiter(t, Config{WindowMax: 1, Window: time.Minute, DailyMax: 10})

	if granted, _ := l.TryAcquire("a"); !granted {
		t.Fatal("source a should be granted")
	}
	if granted, _ := l.TryAcquire("a"); granted {
		t.Fatal("source a should now be denied")
	}
	if granted, _ := l.TryAcquire("b"); !granted {
		t.Error("source b has its own quota and should be granted")
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	l := newTestLimiter(t, Config{WindowMax: 1, Window: time.Hour, DailyMax: 10})

	if err := l.Acquire(context.Background(), "src"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "src"); err == nil {
		t.Error("expected context error while quota is exhausted")
	}
}
