package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"pulsefeed/configs"
	"pulsefeed/internal/cache"
	"pulsefeed/internal/faulttolerance"
	"pulsefeed/internal/fetch"
	"pulsefeed/internal/ingester"
	"pulsefeed/internal/metrics"
	"pulsefeed/internal/ops"
	"pulsefeed/internal/publisher"
	"pulsefeed/internal/ratelimit"
	"pulsefeed/internal/scheduler"
	"pulsefeed/internal/warehouse"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := configs.AppLoad()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	limiter, err := ratelimit.New(cfg.Quota)
	if err != nil {
		logger.Error("Invalid quota settings", "error", err)
		os.Exit(1)
	}
	counters := metrics.New()
	limiter.OnDeny(counters.LimiterDenial)

	pubSpill, err := faulttolerance.NewSpillStore(cfg.SpillDir, "publisher", logger)
	if err != nil {
		logger.Error("Failed to open publisher spill dir", "error", err)
		os.Exit(1)
	}
	quoteSpill, err := faulttolerance.NewSpillStore(cfg.SpillDir, "warehouse_quotes", logger)
	if err != nil {
		logger.Error("Failed to open warehouse spill dir", "error", err)
		os.Exit(1)
	}

	writer := publisher.NewKafkaWriter(cfg.Kafka.Broker)
	defer writer.Close()

	pub, err := publisher.New(writer, publisher.Config{
		RetryQueueCapacity: cfg.Publisher.RetryQueueCapacity,
		RedeliverInterval:  cfg.Publisher.RedeliverInterval,
	}, pubSpill, counters, logger)
	if err != nil {
		logger.Error("Failed to create publisher", "error", err)
		os.Exit(1)
	}

	store, err := warehouse.NewClickHouseStore(cfg.Warehouse.DSN)
	if err != nil {
		logger.Error("Failed to connect to warehouse", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	quoteSink := warehouse.NewSink("quotes", store.InsertQuotes, warehouse.SinkConfig{
		BatchSize: cfg.Warehouse.BatchSize,
		BatchAge:  cfg.Warehouse.BatchAge,
	}, quoteSpill, counters, logger)

	fetchClient := fetch.NewClient(fetch.Config{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Timeout:     cfg.Provider.Timeout,
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BackoffBase: cfg.Fetch.BackoffBase,
		BackoffCap:  cfg.Fetch.BackoffCap,
		Jitter:      cfg.Fetch.BackoffJitter,
	}, limiter, logger, counters.FetchRetry)

	cacheStore := cache.New(cfg.Cache.MaxStaleness)
	stopJanitor := cacheStore.StartJanitor(time.Minute)
	defer stopJanitor()

	sched := scheduler.New(scheduler.Config{
		Symbols:      cfg.Symbols,
		PollInterval: cfg.PollInterval,
		WorkerCount:  cfg.WorkerCount,
		CacheTTL:     cfg.Cache.TTL,
		QuotesTopic:  cfg.Kafka.QuotesTopic,
		// Spread the short-window budget across the window instead of
		// bursting it at the top of each cycle.
		AdmissionRate: rate.Limit(float64(cfg.Quota.WindowMax) / cfg.Quota.Window.Seconds()),
		Cooldown:      cfg.Quota.Window,
	}, fetchClient, cacheStore, pub, quoteSink, limiter, counters, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Publisher and sink loops outlive the scheduler so its final
	// fan-outs still land before queues are snapshotted.
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pub.Run(drainCtx)
	}()
	go func() {
		defer wg.Done()
		quoteSink.Run(drainCtx)
	}()

	handler := ops.NewPipelineHandler(sched, cacheStore)
	srv := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: ops.NewRouter(&ops.Config{PipelineHandler: handler}),
	}
	go func() {
		logger.Info("API listening", "port", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server stopped", "error", err)
		}
	}()

	telemetryReader := ingester.NewTelemetryReader(
		cfg.Kafka.Broker, cfg.Kafka.TelemetryTopic, cfg.Kafka.TelemetryGroupID)
	defer telemetryReader.Close()
	telemetryIngester := ingester.NewIngester(telemetryReader, store, logger, ingester.Config{
		BatchSize:    cfg.Warehouse.BatchSize,
		BatchTimeout: cfg.Warehouse.BatchAge,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := telemetryIngester.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Telemetry ingester stopped with error", "error", err)
		}
	}()

	if cfg.BackfillDays > 0 {
		go backfill(ctx, cfg, fetchClient, store, logger)
	}

	logger.Info("Pipeline started successfully")
	sched.Run(ctx)

	// Scheduler is down; let the sinks flush, then close the API.
	cancelDrain()
	wg.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown failed", "error", err)
	}

	logger.Info("Pipeline shutdown complete")
}

// backfill loads historical bars for each tracked symbol. It shares the
// provider quota with the live loop, so it simply stops where admission
// or the provider cuts it off.
func backfill(ctx context.Context, cfg *configs.AppConfig, client *fetch.Client, store warehouse.Store, logger *slog.Logger) {
	logger.Info("Starting historical backfill", "days", cfg.BackfillDays, "symbols", len(cfg.Symbols))
	var loaded int
	for _, symbol := range cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		bars, err := client.FetchDaily(ctx, symbol, cfg.BackfillDays)
		if err != nil {
			logger.Warn("Backfill fetch failed", "symbol", symbol, "error", err)
			continue
		}
		if err := store.InsertBars(ctx, bars); err != nil {
			logger.Warn("Backfill insert failed", "symbol", symbol, "error", err)
			continue
		}
		loaded += len(bars)
	}
	logger.Info("Historical backfill finished", "bars", loaded)
}
