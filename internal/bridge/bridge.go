// Package bridge runs on the remote device and forwards activity
// samples from the local agent into the pipeline. It prefers the
// agent's streaming endpoint and degrades to polling when the stream is
// unavailable. Events are validated, deduplicated and batched before
// they reach the broker and the warehouse.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pulsefeed/internal/metrics"
	"pulsefeed/internal/models"
)

// Publisher delivers telemetry batches to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// EventSink receives accepted events for warehouse batching.
type EventSink interface {
	Append(e *models.TelemetryEvent)
}

// Config holds bridge settings.
type Config struct {
	AgentHost string
	AgentPort string

	// TransportPreference orders transports to try, "stream" or "poll".
	// The first entry is retried with backoff; later entries cover the
	// gaps while the preferred transport is down.
	TransportPreference []string

	// PollInterval is the cadence of the poll transport.
	PollInterval time.Duration

	// BatchSize and BatchAge bound how long an accepted event waits
	// before it is flushed downstream.
	BatchSize int
	BatchAge  time.Duration

	// PendingCapacity bounds the local queue. When the pipeline is
	// unreachable the oldest pending events are dropped first.
	PendingCapacity int

	DeviceID string
	UserID   string

	TelemetryTopic string
}

// Bridge owns the transport loop, the pending queue and the flush
// thresholds.
type Bridge struct {
	cfg      Config
	pub      Publisher
	sink     EventSink
	tracker  *dedupTracker
	counters *metrics.Counters
	logger   *logrus.Logger
	// poll is reused across queries so agent connections are kept alive.
	poll *http.Client

	mu        sync.Mutex
	pending   []*models.TelemetryEvent
	flushCh   chan struct{}
	lastFlush time.Time

	now func() time.Time
}

// New creates a bridge over the given collaborators. sink may be nil
// when the device only publishes and persistence happens downstream.
func New(cfg Config, pub Publisher, sink EventSink, counters *metrics.Counters, logger *logrus.Logger) *Bridge {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchAge <= 0 {
		cfg.BatchAge = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = 1000
	}
	if len(cfg.TransportPreference) == 0 {
		cfg.TransportPreference = []string{"stream", "poll"}
	}
	return &Bridge{
		cfg:      cfg,
		pub:      pub,
		sink:     sink,
		tracker:  newDedupTracker(),
		counters: counters,
		logger:   logger,
		poll:     &http.Client{Timeout: 5 * time.Second},
		flushCh:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Run drives the transport loop and the age-based flusher until ctx is
// cancelled, then flushes whatever is still pending.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.WithFields(logrus.Fields{
		"device":     b.cfg.DeviceID,
		"transports": b.cfg.TransportPreference,
	}).Info("bridge started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.flushLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		b.transportLoop(ctx)
	}()
	wg.Wait()

	// Final flush so accepted events are not lost on shutdown.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.flush(flushCtx)
	b.logger.Info("bridge stopped")
}

func (b *Bridge) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.BatchAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// Offer runs one raw event through validation and dedup and queues it.
// Rejected events are logged and counted, never fatal.
func (b *Bridge) Offer(e *models.TelemetryEvent) {
	if e.DeviceID == "" {
		e.DeviceID = b.cfg.DeviceID
	}
	if e.UserID == "" {
		e.UserID = b.cfg.UserID
	}
	e.ReceivedAt = b.now()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.ReceivedAt
	}

	if err := e.Validate(); err != nil {
		b.logger.WithError(err).Warn("rejecting invalid event")
		return
	}
	if b.tracker.isDuplicate(e) {
		b.logger.WithFields(logrus.Fields{
			"device": e.DeviceID,
			"type":   e.Type,
		}).Debug("dropping duplicate event")
		return
	}
	b.tracker.mark(e)

	b.mu.Lock()
	if len(b.pending) >= b.cfg.PendingCapacity {
		// Drop oldest first. Recent samples are worth more than stale
		// ones when the pipeline has been unreachable for a while.
		b.pending = b.pending[1:]
		b.counters.BridgeDrop()
		b.logger.Warn("pending queue full, dropped oldest event")
	}
	b.pending = append(b.pending, e)
	full := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// batchEnvelope is the broker payload, one message per flush keyed by
// device so per-device ordering holds downstream.
type batchEnvelope struct {
	DeviceID  string                   `json:"device_id"`
	UserID    string                   `json:"user_id"`
	SentAt    time.Time                `json:"sent_at"`
	BatchSize int                      `json:"batch_size"`
	Events    []*models.TelemetryEvent `json:"events"`
}

func (b *Bridge) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.lastFlush = b.now()
	b.mu.Unlock()

	if b.sink != nil {
		for _, e := range batch {
			b.sink.Append(e)
		}
	}

	env := batchEnvelope{
		DeviceID:  b.cfg.DeviceID,
		UserID:    b.cfg.UserID,
		SentAt:    b.now(),
		BatchSize: len(batch),
		Events:    batch,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.WithError(err).Error("failed to encode telemetry batch")
		return
	}
	if err := b.pub.Publish(ctx, b.cfg.TelemetryTopic, b.cfg.DeviceID, payload); err != nil {
		b.logger.WithError(err).Error("failed to publish telemetry batch")
		return
	}
	b.logger.WithField("events", len(batch)).Info("flushed telemetry batch")
}

// PendingLen reports the queued event count.
func (b *Bridge) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
