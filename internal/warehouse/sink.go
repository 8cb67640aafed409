package warehouse

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"pulsefeed/internal/faulttolerance"
	"pulsefeed/internal/metrics"
)

// SinkConfig holds batching and recovery settings.
type SinkConfig struct {
	// BatchSize flushes the buffer when it reaches this many records.
	BatchSize int

	// BatchAge flushes the buffer when the oldest record is this old.
	BatchAge time.Duration

	// RecoveryInterval is how often spilled batches are re-drained.
	RecoveryInterval time.Duration

	// Retry configures the per-flush backoff loop.
	Retry faulttolerance.RetryConfig
}

// Sink buffers records of one class and appends them to the store in
// ordered batches. A failed flush retries with backoff; exhausted
// batches spill to disk and a recovery loop re-drains them.
type Sink[T any] struct {
	name     string
	flush    func(ctx context.Context, batch []T) error
	cfg      SinkConfig
	spill    *faulttolerance.SpillStore
	retryer  *faulttolerance.Retryer
	counters *metrics.Counters
	logger   *slog.Logger

	mu      sync.Mutex
	buf     []T
	oldest  time.Time
	flushCh chan struct{}
}

// NewSink creates a sink for one record class. flush receives batches
// in insertion order.
func NewSink[T any](
	name string,
	flush func(ctx context.Context, batch []T) error,
	cfg SinkConfig,
	spill *faulttolerance.SpillStore,
	counters *metrics.Counters,
	logger *slog.Logger,
) *Sink[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.BatchAge <= 0 {
		cfg.BatchAge = 5 * time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	if cfg.Retry.Name == "" {
		cfg.Retry = faulttolerance.DefaultRetryConfig(name + "-flush")
	}
	return &Sink[T]{
		name:     name,
		flush:    flush,
		cfg:      cfg,
		spill:    spill,
		retryer:  faulttolerance.NewRetryer(cfg.Retry, logger),
		counters: counters,
		logger:   logger,
		flushCh:  make(chan struct{}, 1),
	}
}

// Append buffers one record. The write returns immediately; delivery to
// the store is asynchronous with its own retry and overflow handling.
func (s *Sink[T]) Append(rec T) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.oldest = time.Now()
	}
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of buffered records.
func (s *Sink[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Run drives the flush timers and the spill recovery loop until ctx is
// done, then makes a final best-effort flush of the remaining buffer.
func (s *Sink[T]) Run(ctx context.Context) {
	ageTicker := time.NewTicker(s.cfg.BatchAge)
	defer ageTicker.Stop()
	recoveryTicker := time.NewTicker(s.cfg.RecoveryInterval)
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown flush uses a fresh context; ctx is already done.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.Flush(flushCtx)
			cancel()
			return
		case <-ageTicker.C:
			s.flushIfAged(ctx)
		case <-s.flushCh:
			s.Flush(ctx)
		case <-recoveryTicker.C:
			s.recoverSpilled(ctx)
		}
	}
}

func (s *Sink[T]) flushIfAged(ctx context.Context) {
	s.mu.Lock()
	aged := len(s.buf) > 0 && time.Since(s.oldest) >= s.cfg.BatchAge
	s.mu.Unlock()
	if aged {
		s.Flush(ctx)
	}
}

// Flush drains the buffer as one ordered batch. On retry exhaustion the
// batch spills to the overflow area; the loss of availability is
// counted, never silent.
func (s *Sink[T]) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	err := s.retryer.Execute(ctx, func() error {
		return s.flush(ctx, batch)
	})
	if err == nil {
		s.logger.Debug("flushed batch", "sink", s.name, "count", len(batch))
		return
	}

	s.logger.Error("flush retries exhausted, spilling batch",
		"sink", s.name, "count", len(batch), "error", err)
	s.spillBatch(batch)
}

func (s *Sink[T]) spillBatch(batch []T) {
	if s.spill == nil {
		s.logger.Error("no overflow area configured, batch lost", "sink", s.name, "count", len(batch))
		s.counters.WarehouseSpill()
		return
	}
	records := make([][]byte, 0, len(batch))
	for i := range batch {
		line, err := json.Marshal(batch[i])
		if err != nil {
			continue
		}
		records = append(records, line)
	}
	if _, err := s.spill.Write(records); err != nil {
		s.logger.Error("failed to spill batch", "sink", s.name, "error", err)
	}
	s.counters.WarehouseSpill()
}

// recoverSpilled re-drains overflow files, oldest first. Each file is a
// batch; a file is removed only after the store accepts it.
func (s *Sink[T]) recoverSpilled(ctx context.Context) {
	if s.spill == nil {
		return
	}
	files, err := s.spill.Files()
	if err != nil {
		s.logger.Warn("failed to list overflow files", "sink", s.name, "error", err)
		return
	}
	for _, name := range files {
		lines, err := s.spill.Read(name)
		if err != nil {
			s.logger.Warn("skipping unreadable overflow file", "sink", s.name, "file", name)
			continue
		}
		batch := make([]T, 0, len(lines))
		for _, line := range lines {
			var rec T
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			batch = append(batch, rec)
		}
		if len(batch) == 0 {
			_ = s.spill.Remove(name)
			continue
		}
		if err := s.flush(ctx, batch); err != nil {
			// Store still unavailable; leave the file for next cycle.
			s.logger.Warn("overflow re-drain failed, will retry", "sink", s.name, "file", name)
			return
		}
		if err := s.spill.Remove(name); err != nil {
			s.logger.Warn("failed to remove drained overflow file", "sink", s.name, "file", name)
		}
		s.logger.Info("re-drained overflow file", "sink", s.name, "file", name, "count", len(batch))
	}
}
