// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pulsefeed/internal/ratelimit"
)

// AppConfig holds all pipeline configuration. Load it once at startup
// with AppLoad; malformed quota settings are fatal there.
type AppConfig struct {
	// Symbols are the tracked provider tickers, e.g. "RELIANCE.BSE".
	Symbols []string

	// PollInterval is the scheduler cycle interval.
	PollInterval time.Duration

	// Quota holds the provider admission settings.
	Quota ratelimit.Config

	// Provider contains the quotes provider endpoint settings.
	Provider ProviderConfig

	// Kafka contains broker connection settings.
	Kafka KafkaConfig

	// Warehouse contains the ClickHouse sink settings.
	Warehouse WarehouseConfig

	// Cache contains the live-read store settings.
	Cache CacheConfig

	// Publisher contains retry-queue settings.
	Publisher PublisherConfig

	// Fetch contains retry/backoff settings for the provider client.
	Fetch FetchConfig

	// WorkerCount is the size of the scheduler's worker pool.
	WorkerCount int

	// BackfillDays, when positive, loads that many days of historical
	// bars per symbol into the warehouse at startup. Backfill calls
	// consume admission tokens like any other fetch.
	BackfillDays int

	// SpillDir is the local overflow area for retry/overflow spills.
	SpillDir string

	// APIPort is the port for the operational HTTP surface.
	APIPort string
}

// ProviderConfig holds the quotes provider endpoint settings.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// QuotesTopic is the topic quotes are fanned out to.
	QuotesTopic string

	// TelemetryTopic is the topic bridge batches are fanned out to.
	TelemetryTopic string

	// TelemetryGroupID is the consumer group of the telemetry ingester.
	TelemetryGroupID string
}

// WarehouseConfig holds the analytical sink settings.
type WarehouseConfig struct {
	DSN string

	// BatchSize is the flush threshold by record count.
	BatchSize int

	// BatchAge is the flush threshold by buffer age.
	BatchAge time.Duration
}

// CacheConfig holds the live-read store settings.
type CacheConfig struct {
	// TTL is how long a cached quote counts as fresh.
	TTL time.Duration

	// MaxStaleness is the ceiling past which stale reads become misses.
	MaxStaleness time.Duration
}

// PublisherConfig holds the broker retry-queue settings.
type PublisherConfig struct {
	// RetryQueueCapacity bounds the local durable retry queue.
	RetryQueueCapacity int

	// RedeliverInterval is how often queued records are retried.
	RedeliverInterval time.Duration
}

// FetchConfig holds provider-client retry settings.
type FetchConfig struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64
}

// BridgeConfig holds the device-side telemetry bridge settings. Loaded
// separately because the bridge runs on the remote device, not alongside
// the pipeline.
type BridgeConfig struct {
	// AgentHost and AgentPort locate the local activity agent.
	AgentHost string
	AgentPort string

	// TransportPreference orders transports to try: "stream" or "poll".
	TransportPreference []string

	// PollInterval is the fallback polling cadence.
	PollInterval time.Duration

	// BatchSize and BatchAge are the flush thresholds.
	BatchSize int
	BatchAge  time.Duration

	// PendingCapacity bounds the local queue; beyond it the bridge
	// drops oldest.
	PendingCapacity int

	DeviceID string
	UserID   string

	Kafka KafkaConfig
}

// getWarehouseDSN constructs the ClickHouse DSN from environment variables.
func getWarehouseDSN() string {
	dbUser := getEnv("CLICKHOUSE_USER", "user")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "password")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "pulsefeed")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// defaultSymbols mirror the provider's most liquid tickers; used when
// SYMBOLS is unset.
var defaultSymbols = []string{
	"RELIANCE.BSE", "TCS.BSE", "HDFCBANK.BSE", "INFY.BSE", "ICICIBANK.BSE",
	"HINDUNILVR.BSE", "ITC.BSE", "SBIN.BSE", "BHARTIARTL.BSE", "KOTAKBANK.BSE",
}

// AppLoad loads pipeline configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Returns an error for settings the pipeline cannot start with.
func AppLoad() (*AppConfig, error) {
	_ = godotenv.Load() // .env is optional

	symbols := defaultSymbols
	if raw := getEnv("SYMBOLS", ""); raw != "" {
		symbols = strings.Split(raw, ",")
		for i := range symbols {
			symbols[i] = strings.TrimSpace(symbols[i])
		}
	}

	cfg := &AppConfig{
		Symbols:      symbols,
		PollInterval: time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 300)) * time.Second,
		Quota: ratelimit.Config{
			WindowMax: getEnvInt("WINDOW_MAX", 5),
			Window:    time.Duration(getEnvInt("WINDOW_SECONDS", 60)) * time.Second,
			DailyMax:  getEnvInt("DAILY_MAX", 500),
		},
		Provider: ProviderConfig{
			BaseURL: getEnv("PROVIDER_BASE_URL", "https://www.alphavantage.co/query"),
			APIKey:  getEnv("PROVIDER_API_KEY", ""),
			Timeout: time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Kafka: KafkaConfig{
			Broker:           getEnv("KAFKA_BROKER", "localhost:9092"),
			QuotesTopic:      getEnv("KAFKA_QUOTES_TOPIC", "pulsefeed_quotes"),
			TelemetryTopic:   getEnv("KAFKA_TELEMETRY_TOPIC", "pulsefeed_telemetry"),
			TelemetryGroupID: getEnv("KAFKA_TELEMETRY_GROUP_ID", "pulsefeed_ingester"),
		},
		Warehouse: WarehouseConfig{
			DSN:       getWarehouseDSN(),
			BatchSize: getEnvInt("BATCH_SIZE", 200),
			BatchAge:  time.Duration(getEnvInt("BATCH_AGE_SECONDS", 5)) * time.Second,
		},
		Cache: CacheConfig{
			TTL:          time.Duration(getEnvInt("CACHE_TTL_SECONDS", 600)) * time.Second,
			MaxStaleness: time.Duration(getEnvInt("MAX_STALENESS_SECONDS", 86400)) * time.Second,
		},
		Publisher: PublisherConfig{
			RetryQueueCapacity: getEnvInt("RETRY_QUEUE_CAPACITY", 1000),
			RedeliverInterval:  time.Duration(getEnvInt("REDELIVER_INTERVAL_SECONDS", 10)) * time.Second,
		},
		Fetch: FetchConfig{
			MaxAttempts:   getEnvInt("FETCH_MAX_ATTEMPTS", 4),
			BackoffBase:   time.Duration(getEnvInt("BACKOFF_BASE_MS", 500)) * time.Millisecond,
			BackoffCap:    time.Duration(getEnvInt("BACKOFF_CAP_MS", 30000)) * time.Millisecond,
			BackoffJitter: getEnvFloat("BACKOFF_JITTER", 0.1),
		},
		WorkerCount:  getEnvInt("WORKER_COUNT", 4),
		BackfillDays: getEnvInt("BACKFILL_DAYS", 0),
		SpillDir:     getEnv("SPILL_DIR", "data/spill"),
		APIPort:      getEnv("API_PORT", "8080"),
	}

	if err := cfg.Quota.Validate(); err != nil {
		return nil, fmt.Errorf("quota settings: %w", err)
	}
	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.WorkerCount)
	}
	if cfg.Warehouse.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.Warehouse.BatchSize)
	}
	if cfg.Publisher.RetryQueueCapacity <= 0 {
		return nil, fmt.Errorf("retry queue capacity must be positive, got %d", cfg.Publisher.RetryQueueCapacity)
	}
	return cfg, nil
}

// BridgeLoad loads telemetry bridge configuration from environment variables.
func BridgeLoad() (*BridgeConfig, error) {
	_ = godotenv.Load()

	prefs := strings.Split(getEnv("AGENT_TRANSPORT", "stream,poll"), ",")
	for i := range prefs {
		prefs[i] = strings.TrimSpace(prefs[i])
	}
	for _, p := range prefs {
		if p != "stream" && p != "poll" {
			return nil, fmt.Errorf("unknown agent transport %q", p)
		}
	}

	hostname, _ := os.Hostname()
	cfg := &BridgeConfig{
		AgentHost:           getEnv("AGENT_HOST", "localhost"),
		AgentPort:           getEnv("AGENT_PORT", "5600"),
		TransportPreference: prefs,
		PollInterval:        time.Duration(getEnvInt("STREAM_INTERVAL_SECONDS", 30)) * time.Second,
		BatchSize:           getEnvInt("BATCH_SIZE", 10),
		BatchAge:            time.Duration(getEnvInt("BATCH_AGE_SECONDS", 30)) * time.Second,
		PendingCapacity:     getEnvInt("PENDING_QUEUE_CAPACITY", 1000),
		DeviceID:            getEnv("DEVICE_ID", "laptop_"+hostname),
		UserID:              getEnv("USER_ID", "default_user"),
		Kafka: KafkaConfig{
			Broker:         getEnv("KAFKA_BROKER", "localhost:9092"),
			QuotesTopic:    getEnv("KAFKA_QUOTES_TOPIC", "pulsefeed_quotes"),
			TelemetryTopic: getEnv("KAFKA_TELEMETRY_TOPIC", "pulsefeed_telemetry"),
		},
	}

	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.PendingCapacity <= 0 {
		return nil, fmt.Errorf("pending queue capacity must be positive, got %d", cfg.PendingCapacity)
	}
	return cfg, nil
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
