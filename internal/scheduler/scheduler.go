// Package scheduler drives the continuous ingestion loop: it admits
// tracked symbols under the rate-limiter budget, invokes the fetch
// client, and fans successful records out to the publisher, cache and
// warehouse. Failures local to one symbol never abort the loop.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pulsefeed/internal/cache"
	"pulsefeed/internal/fetch"
	"pulsefeed/internal/metrics"
	"pulsefeed/internal/models"
	"pulsefeed/internal/ratelimit"
)

// State is the per-symbol lifecycle position.
type State int

const (
	StateIdle State = iota
	StateAdmitted
	StateFetching
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdmitted:
		return "admitted"
	case StateFetching:
		return "fetching"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Fetcher performs one logical quote fetch, retrying transient failures
// internally under rate-limiter admission.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (*models.Quote, error)
}

// Sink receives successful quotes asynchronously for historical append.
type Sink interface {
	Append(q *models.Quote)
}

// BroadcastPublisher delivers records to broker topics.
type BroadcastPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// QuotaReader exposes rate-limit bookkeeping for the summary.
type QuotaReader interface {
	Snapshot(sourceID string) ratelimit.QuotaState
}

// Config holds scheduler settings.
type Config struct {
	// Symbols are the tracked tickers.
	Symbols []string

	// PollInterval is the cycle interval of the continuous loop.
	PollInterval time.Duration

	// WorkerCount is the fixed worker pool size.
	WorkerCount int

	// CacheTTL is how long a cached quote counts as fresh.
	CacheTTL time.Duration

	// QuotesTopic is the broker topic quotes fan out to.
	QuotesTopic string

	// AdmissionRate spaces item dispatch; defaults to WindowMax per
	// Window when derived from the quota config.
	AdmissionRate rate.Limit

	// ShutdownGrace bounds the wait for in-flight fetches on shutdown.
	ShutdownGrace time.Duration

	// Cooldown is how long admissions pause after the provider itself
	// rate-limits a call. Set it to the short-window duration.
	Cooldown time.Duration
}

type item struct {
	mu          sync.Mutex
	state       State
	lastError   string
	lastSuccess time.Time
}

func (it *item) setState(s State) {
	it.mu.Lock()
	it.state = s
	it.mu.Unlock()
}

// transitionIfIdle moves IDLE -> ADMITTED, reporting whether the item
// was claimed. Keeps a symbol from being queued twice in one cycle.
func (it *item) transitionIfIdle() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.state != StateIdle {
		return false
	}
	it.state = StateAdmitted
	return true
}

// Scheduler owns the continuous-run loop and the per-symbol state
// machine.
type Scheduler struct {
	cfg      Config
	fetcher  Fetcher
	cache    *cache.Store
	pub      BroadcastPublisher
	sink     Sink
	quota    QuotaReader
	pacer    *rate.Limiter
	counters *metrics.Counters
	logger   *slog.Logger

	items map[string]*item

	// cooldownUntil defers all admissions after the provider itself
	// rate-limited us; retrying inside the same window is wasted quota.
	cooldownMu    sync.Mutex
	cooldownUntil time.Time

	refreshCh chan []string
	workCh    chan string
}

// New creates a scheduler over the given collaborators. Symbols failing
// validation are dropped at construction with a warning.
func New(
	cfg Config,
	fetcher Fetcher,
	cacheStore *cache.Store,
	pub BroadcastPublisher,
	sink Sink,
	quota QuotaReader,
	counters *metrics.Counters,
	logger *slog.Logger,
) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.AdmissionRate <= 0 {
		cfg.AdmissionRate = rate.Limit(1)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	items := make(map[string]*item)
	var tracked []string
	for _, s := range cfg.Symbols {
		if !models.ValidateSymbol(s) {
			logger.Warn("dropping symbol failing validation", "symbol", s)
			continue
		}
		items[s] = &item{state: StateIdle}
		tracked = append(tracked, s)
	}
	cfg.Symbols = tracked

	return &Scheduler{
		cfg:       cfg,
		fetcher:   fetcher,
		cache:     cacheStore,
		pub:       pub,
		sink:      sink,
		quota:     quota,
		pacer:     rate.NewLimiter(cfg.AdmissionRate, 1),
		counters:  counters,
		logger:    logger,
		items:     items,
		refreshCh: make(chan []string, 8),
		workCh:    make(chan string, len(tracked)+8),
	}
}

// Run executes the continuous loop until ctx is cancelled: each cycle
// every tracked symbol is queued, and workers pull symbols as admission
// tokens free up. On shutdown it stops admitting and waits for in-flight
// fetches up to the grace period.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	for i := 0; i < s.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(workerCtx)
		}()
	}

	s.logger.Info("scheduler started",
		"symbols", len(s.cfg.Symbols), "workers", s.cfg.WorkerCount)

	s.enqueueCycle(s.cfg.Symbols)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(s.workCh)
			// Grace period for in-flight fetches, then force workers out.
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(s.cfg.ShutdownGrace):
				s.logger.Warn("grace period elapsed, abandoning in-flight fetches")
				cancelWorkers()
				<-done
			}
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.enqueueCycle(s.cfg.Symbols)
		case symbols := <-s.refreshCh:
			s.enqueueCycle(symbols)
		}
	}
}

// enqueueCycle queues each idle symbol for processing. Symbols already
// in flight are skipped; they will be picked up next cycle.
func (s *Scheduler) enqueueCycle(symbols []string) {
	for _, sym := range symbols {
		it, ok := s.items[sym]
		if !ok {
			continue
		}
		if !it.transitionIfIdle() {
			continue
		}
		select {
		case s.workCh <- sym:
		default:
			// Queue full; return the claim and let the next cycle retry.
			it.setState(StateIdle)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for sym := range s.workCh {
		s.process(ctx, sym)
	}
}

// process runs one symbol through ADMITTED -> FETCHING -> terminal and
// back to IDLE. Item failures never propagate.
func (s *Scheduler) process(ctx context.Context, symbol string) {
	it := s.items[symbol]
	defer it.setState(StateIdle)

	if err := s.waitCooldown(ctx); err != nil {
		return
	}
	// Spacing: dispatch follows token availability, not lockstep sleeps.
	if err := s.pacer.Wait(ctx); err != nil {
		return
	}

	it.setState(StateFetching)
	quote, err := s.fetcher.Fetch(ctx, symbol)
	if err != nil {
		it.mu.Lock()
		it.state = StateFailed
		it.lastError = err.Error()
		it.mu.Unlock()
		s.handleFailure(symbol, err)
		return
	}

	it.mu.Lock()
	it.state = StateSucceeded
	it.lastError = ""
	it.lastSuccess = time.Now()
	it.mu.Unlock()

	s.fanOut(quote)
}

// fanOut routes one quote to all three sinks. The symbol counts as
// ingested once the cache write completes; broker and warehouse
// delivery are asynchronous with their own retry and backpressure.
func (s *Scheduler) fanOut(q *models.Quote) {
	s.cache.Put(q.Symbol, q, s.cfg.CacheTTL)

	s.sink.Append(q)

	payload, err := json.Marshal(q)
	if err != nil {
		s.logger.Error("failed to encode quote for broker", "symbol", q.Symbol, "error", err)
		return
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.pub.Publish(pubCtx, s.cfg.QuotesTopic, q.Symbol, payload); err != nil {
			s.logger.Error("broker fan-out failed", "symbol", q.Symbol, "error", err)
		}
	}()
}

// handleFailure applies the per-class failure policy and degrades to the
// stale cached value when one is retained.
func (s *Scheduler) handleFailure(symbol string, err error) {
	class, classified := fetch.ClassOf(err)
	if classified && class == fetch.ClassRateLimited {
		s.startCooldown()
	}

	if _, staleness, ok := s.cache.Get(symbol); ok {
		s.logger.Warn("fetch failed, serving retained value",
			"symbol", symbol, "staleness", staleness.String(), "error", err)
		return
	}
	s.logger.Error("fetch failed with no retained fallback", "symbol", symbol, "error", err)
}

// startCooldown pushes all admissions out a full window. The provider
// throttled us; local retries inside the same window only burn quota.
func (s *Scheduler) startCooldown() {
	until := time.Now().Add(s.cfg.Cooldown)
	s.cooldownMu.Lock()
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
	s.cooldownMu.Unlock()
	s.logger.Warn("provider rate limited, cooling down", "until", until)
}

func (s *Scheduler) waitCooldown(ctx context.Context) error {
	s.cooldownMu.Lock()
	wait := time.Until(s.cooldownUntil)
	s.cooldownMu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RefreshNow queues symbols outside the timer. Admission still applies;
// the trigger only bypasses the schedule.
func (s *Scheduler) RefreshNow(symbols []string) error {
	if len(symbols) == 0 {
		symbols = s.cfg.Symbols
	}
	for _, sym := range symbols {
		if _, ok := s.items[sym]; !ok {
			return fmt.Errorf("symbol %q is not tracked", sym)
		}
	}
	select {
	case s.refreshCh <- symbols:
		return nil
	default:
		return fmt.Errorf("refresh already pending")
	}
}

// State reports the current lifecycle state of a tracked symbol.
func (s *Scheduler) State(symbol string) (State, bool) {
	it, ok := s.items[symbol]
	if !ok {
		return StateIdle, false
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state, true
}
