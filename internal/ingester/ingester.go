// Package ingester consumes telemetry batches from Kafka and persists
// them to the warehouse. It handles batching, retry and graceful
// shutdown, committing offsets only after a successful insert.
package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"pulsefeed/internal/models"
)

// Config holds ingester configuration parameters.
type Config struct {
	// BatchSize is the maximum number of events to accumulate before
	// flushing to the warehouse.
	BatchSize int

	// BatchTimeout is the maximum time to wait before flushing, even if
	// the batch isn't full.
	BatchTimeout time.Duration
}

// EventStore persists telemetry event batches.
type EventStore interface {
	InsertEvents(ctx context.Context, events []*models.TelemetryEvent) error
}

// NewTelemetryReader builds the consumer for the telemetry topic.
func NewTelemetryReader(broker, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{broker},
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // offsets are committed manually after insert
	})
}

// Ingester consumes telemetry from Kafka and writes it to the warehouse
// in batches. Delivery is at-least-once: offsets are only committed
// after the insert succeeds, so a crash replays rather than loses.
type Ingester struct {
	reader *kafka.Reader
	store  EventStore
	logger *slog.Logger
	cfg    Config
}

// NewIngester creates an ingester over the provided dependencies.
func NewIngester(reader *kafka.Reader, store EventStore, logger *slog.Logger, cfg Config) *Ingester {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	return &Ingester{
		reader: reader,
		store:  store,
		logger: logger,
		cfg:    cfg,
	}
}

// Start runs the main ingestion loop. It blocks until ctx is cancelled,
// flushing any buffered events on the way out.
func (ig *Ingester) Start(ctx context.Context) error {
	ig.logger.Info("Starting telemetry ingester", "batch_size", ig.cfg.BatchSize)

	batchEvents := make([]*models.TelemetryEvent, 0, ig.cfg.BatchSize)
	batchMsgs := make([]kafka.Message, 0, ig.cfg.BatchSize)

	ticker := time.NewTicker(ig.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func() error {
		if len(batchMsgs) == 0 {
			return nil
		}

		// Never drop data: keep retrying until the warehouse accepts it
		// or shutdown wins.
		for len(batchEvents) > 0 {
			if err := ig.store.InsertEvents(ctx, batchEvents); err != nil {
				ig.logger.Error("Warehouse insert failed, retrying in 2s", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Second):
					continue
				}
			}
			break
		}

		if err := ig.reader.CommitMessages(ctx, batchMsgs...); err != nil {
			ig.logger.Warn("Failed to commit offsets", "error", err)
		}

		batchEvents = batchEvents[:0]
		batchMsgs = batchMsgs[:0]
		ticker.Reset(ig.cfg.BatchTimeout)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return flush()

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}

		default:
			fetchCtx, cancel := context.WithTimeout(ctx, ig.cfg.BatchTimeout)
			m, err := ig.reader.FetchMessage(fetchCtx)
			cancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				ig.logger.Error("Kafka fetch error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			events, err := parseMessage(m)
			if err != nil {
				ig.logger.Warn("Skipping unparseable message", "error", err)
				// Still commit it so a poison message cannot wedge the
				// partition.
				batchMsgs = append(batchMsgs, m)
				continue
			}

			batchEvents = append(batchEvents, events...)
			batchMsgs = append(batchMsgs, m)

			if len(batchEvents) >= ig.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

// wireBatch is the bridge's batch envelope on the telemetry topic.
type wireBatch struct {
	DeviceID string                   `json:"device_id"`
	Events   []*models.TelemetryEvent `json:"events"`
}

// parseMessage deserializes one Kafka message. Both the batch envelope
// and a bare single event are accepted; events failing validation are
// dropped, not fatal.
func parseMessage(msg kafka.Message) ([]*models.TelemetryEvent, error) {
	var batch wireBatch
	if err := json.Unmarshal(msg.Value, &batch); err == nil && len(batch.Events) > 0 {
		return validEvents(batch.Events), nil
	}

	var single models.TelemetryEvent
	if err := json.Unmarshal(msg.Value, &single); err == nil && single.DeviceID != "" {
		return validEvents([]*models.TelemetryEvent{&single}), nil
	}

	return nil, fmt.Errorf("message matches neither batch envelope nor single event")
}

func validEvents(events []*models.TelemetryEvent) []*models.TelemetryEvent {
	out := events[:0]
	for _, e := range events {
		if err := e.Validate(); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
