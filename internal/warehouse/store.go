// Package warehouse appends historical records to the analytical store
// in ordered batches, with retry, file-backed overflow and recovery.
package warehouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"pulsefeed/internal/models"
)

// Store is the append-only analytical backend. Implementations must be
// safe for concurrent use.
type Store interface {
	// InsertQuotes appends a batch of quotes, preserving slice order.
	InsertQuotes(ctx context.Context, quotes []*models.Quote) error

	// InsertEvents appends a batch of telemetry events.
	InsertEvents(ctx context.Context, events []*models.TelemetryEvent) error

	// InsertBars appends historical daily bars from backfill.
	InsertBars(ctx context.Context, bars []models.Bar) error

	// Close releases connection resources.
	Close() error
}

// clickhouseStore implements Store on the native ClickHouse driver.
// Batched inserts keep write amplification down.
type clickhouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore opens a connection, verifies it with a ping, and
// creates the warehouse tables if they do not exist.
func NewClickHouseStore(dsn string) (Store, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	s := &clickhouseStore{conn: conn}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *clickhouseStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS quotes (
			symbol         String,
			price          Float64,
			open           Float64,
			high           Float64,
			low            Float64,
			volume         Int64,
			change         Float64,
			change_percent Float64,
			market         LowCardinality(String),
			observed_at    DateTime64(3),
			ingested_at    DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (symbol, observed_at)`,
		`CREATE TABLE IF NOT EXISTS telemetry_events (
			device_id        String,
			user_id          String,
			event_type       LowCardinality(String),
			occurred_at      DateTime64(3),
			app_name         String,
			title            String,
			duration_seconds Float64,
			category         LowCardinality(String),
			source           LowCardinality(String),
			received_at      DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (device_id, occurred_at)`,
		`CREATE TABLE IF NOT EXISTS daily_bars (
			symbol String,
			date   Date,
			open   Float64,
			high   Float64,
			low    Float64,
			close  Float64,
			volume Int64
		) ENGINE = ReplacingMergeTree()
		ORDER BY (symbol, date)`,
	}
	for _, stmt := range ddl {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *clickhouseStore) InsertQuotes(ctx context.Context, quotes []*models.Quote) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO quotes")
	if err != nil {
		return err
	}
	for _, q := range quotes {
		if err := batch.Append(
			q.Symbol, q.Price, q.Open, q.High, q.Low, q.Volume,
			q.Change, q.ChangePercent, q.Market, q.ObservedAt, q.IngestedAt,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (s *clickhouseStore) InsertEvents(ctx context.Context, events []*models.TelemetryEvent) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO telemetry_events")
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := batch.Append(
			e.DeviceID, e.UserID, string(e.Type), e.OccurredAt,
			e.AppName, e.Title, e.DurationSeconds, e.Category,
			string(e.Source), e.ReceivedAt,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (s *clickhouseStore) InsertBars(ctx context.Context, bars []models.Bar) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO daily_bars")
	if err != nil {
		return err
	}
	for _, b := range bars {
		if err := batch.Append(
			b.Symbol, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (s *clickhouseStore) Close() error {
	return s.conn.Close()
}
