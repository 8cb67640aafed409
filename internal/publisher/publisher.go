// Package publisher fans records out to named broker topics with
// at-least-once delivery. Failed publishes land in a bounded local retry
// queue that is redelivered on a timer and spilled to disk across
// restarts; overflow evicts oldest and is always counted.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"pulsefeed/internal/faulttolerance"
	"pulsefeed/internal/metrics"
)

// MessageWriter is the broker transport. *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds the production transport. The Hash balancer
// keys partition choice on the message key, which is what preserves
// per-symbol and per-device ordering downstream.
func NewKafkaWriter(broker string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Config holds retry-queue settings.
type Config struct {
	// RetryQueueCapacity bounds the local queue; beyond it the oldest
	// unacknowledged record is evicted.
	RetryQueueCapacity int

	// RedeliverInterval is the redelivery timer period.
	RedeliverInterval time.Duration

	// WriteTimeout bounds one broker write.
	WriteTimeout time.Duration
}

// queuedRecord is the durable envelope for one unacknowledged record.
type queuedRecord struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Publisher delivers records to broker topics.
type Publisher struct {
	writer   MessageWriter
	cfg      Config
	spill    *faulttolerance.SpillStore
	counters *metrics.Counters
	logger   *slog.Logger

	mu    sync.Mutex
	queue []queuedRecord
	// keysBusy counts unacknowledged records per logical key, both
	// queued and in flight on the transport, so a later publish for the
	// same key cannot overtake them.
	keysBusy map[string]int
}

// New creates a publisher and reloads any queue spilled by a previous
// run, preserving the durable at-least-once contract across restarts.
func New(writer MessageWriter, cfg Config, spill *faulttolerance.SpillStore, counters *metrics.Counters, logger *slog.Logger) (*Publisher, error) {
	if cfg.RetryQueueCapacity <= 0 {
		return nil, fmt.Errorf("retry queue capacity must be positive")
	}
	if cfg.RedeliverInterval <= 0 {
		cfg.RedeliverInterval = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	p := &Publisher{
		writer:   writer,
		cfg:      cfg,
		spill:    spill,
		counters: counters,
		logger:   logger,
		keysBusy: make(map[string]int),
	}
	if err := p.reloadSpilled(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish delivers one record to topic, keyed for per-entity ordering.
// A transport failure buffers the record instead of failing the caller;
// data loss only happens through counted eviction.
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	k := queueKey(topic, key)
	rec := queuedRecord{Topic: topic, Key: key, Value: value}

	p.mu.Lock()
	// Records behind a queued or in-flight record for the same key must
	// queue too, or delivery would reorder them.
	if p.keysBusy[k] > 0 {
		p.enqueueLocked(rec)
		p.mu.Unlock()
		return nil
	}
	// Claim the key for the duration of the direct write so a
	// concurrent same-key publish queues behind it instead of racing it
	// on the transport.
	p.keysBusy[k]++
	p.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	err := p.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	cancel()

	p.mu.Lock()
	p.decKey(k)
	if err != nil {
		p.logger.Warn("broker write failed, buffering for redelivery",
			"topic", topic, "key", key, "error", err)
		p.enqueueLocked(rec)
	}
	p.mu.Unlock()
	return nil
}

// enqueue appends to the bounded retry queue, evicting oldest on
// overflow. Eviction never happens while the queue has headroom.
func (p *Publisher) enqueue(rec queuedRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(rec)
}

func (p *Publisher) enqueueLocked(rec queuedRecord) {
	if len(p.queue) >= p.cfg.RetryQueueCapacity {
		evicted := p.queue[0]
		p.queue = p.queue[1:]
		p.decKey(queueKey(evicted.Topic, evicted.Key))
		p.counters.PublisherEviction()
		p.logger.Error("retry queue full, evicted oldest record",
			"topic", evicted.Topic, "key", evicted.Key)
	}
	p.queue = append(p.queue, rec)
	p.keysBusy[queueKey(rec.Topic, rec.Key)]++
}

func (p *Publisher) decKey(k string) {
	if p.keysBusy[k] <= 1 {
		delete(p.keysBusy, k)
	} else {
		p.keysBusy[k]--
	}
}

// QueueLen reports the number of buffered records.
func (p *Publisher) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Redeliver attempts to drain the retry queue in FIFO order. It stops at
// the first failure to keep per-key submission order intact.
func (p *Publisher) Redeliver(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		rec := p.queue[0]
		p.mu.Unlock()

		writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		err := p.writer.WriteMessages(writeCtx, kafka.Message{
			Topic: rec.Topic,
			Key:   []byte(rec.Key),
			Value: rec.Value,
		})
		cancel()
		if err != nil {
			p.logger.Warn("redelivery attempt failed", "topic", rec.Topic, "error", err)
			return
		}

		p.mu.Lock()
		// Head may have been evicted while the write was in flight.
		if len(p.queue) > 0 && sameRecord(p.queue[0], rec) {
			p.queue = p.queue[1:]
			p.decKey(queueKey(rec.Topic, rec.Key))
		}
		p.mu.Unlock()
	}
}

// Run drives the redelivery timer until ctx is done, then spills any
// still-unacknowledged records to disk.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RedeliverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.spillQueue(); err != nil {
				p.logger.Error("failed to spill retry queue on shutdown", "error", err)
			}
			return
		case <-ticker.C:
			p.Redeliver(ctx)
		}
	}
}

// spillQueue persists the in-memory retry queue for the next run.
func (p *Publisher) spillQueue() error {
	p.mu.Lock()
	records := make([][]byte, 0, len(p.queue))
	for _, rec := range p.queue {
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		records = append(records, line)
	}
	p.queue = nil
	p.keysBusy = make(map[string]int)
	p.mu.Unlock()

	if len(records) == 0 || p.spill == nil {
		return nil
	}
	_, err := p.spill.Write(records)
	return err
}

// reloadSpilled restores retry-queue records persisted by a previous
// run, oldest file first.
func (p *Publisher) reloadSpilled() error {
	if p.spill == nil {
		return nil
	}
	files, err := p.spill.Files()
	if err != nil {
		return fmt.Errorf("list spilled queue files: %w", err)
	}
	for _, name := range files {
		lines, err := p.spill.Read(name)
		if err != nil {
			p.logger.Warn("skipping unreadable spill file", "file", name, "error", err)
			continue
		}
		for _, line := range lines {
			var rec queuedRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			p.enqueue(rec)
		}
		if err := p.spill.Remove(name); err != nil {
			p.logger.Warn("failed to remove drained spill file", "file", name, "error", err)
		}
	}
	if n := p.QueueLen(); n > 0 {
		p.logger.Info("restored retry queue from disk", "count", n)
	}
	return nil
}

func queueKey(topic, key string) string { return topic + "|" + key }

func sameRecord(a, b queuedRecord) bool {
	return a.Topic == b.Topic && a.Key == b.Key && string(a.Value) == string(b.Value)
}
