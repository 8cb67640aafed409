package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"pulsefeed/configs"
	"pulsefeed/internal/bridge"
	"pulsefeed/internal/faulttolerance"
	"pulsefeed/internal/metrics"
	"pulsefeed/internal/publisher"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := configs.BridgeLoad()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	counters := metrics.New()

	// The publisher stack logs through slog; keep it on stderr so the
	// two formats do not interleave on one stream.
	plumbing := slog.New(slog.NewTextHandler(os.Stderr, nil))

	spill, err := faulttolerance.NewSpillStore("data/spill", "bridge_publisher", plumbing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open spill dir")
	}

	writer := publisher.NewKafkaWriter(cfg.Kafka.Broker)
	defer writer.Close()

	pub, err := publisher.New(writer, publisher.Config{
		RetryQueueCapacity: cfg.PendingCapacity,
	}, spill, counters, plumbing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create publisher")
	}

	b := bridge.New(bridge.Config{
		AgentHost:           cfg.AgentHost,
		AgentPort:           cfg.AgentPort,
		TransportPreference: cfg.TransportPreference,
		PollInterval:        cfg.PollInterval,
		BatchSize:           cfg.BatchSize,
		BatchAge:            cfg.BatchAge,
		PendingCapacity:     cfg.PendingCapacity,
		DeviceID:            cfg.DeviceID,
		UserID:              cfg.UserID,
		TelemetryTopic:      cfg.Kafka.TelemetryTopic,
	}, pub, nil, counters, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The publisher loop outlives the bridge so the final flush still
	// has a redelivery path before the queue is snapshotted.
	pubCtx, cancelPub := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pub.Run(pubCtx)
	}()

	b.Run(ctx)
	cancelPub()
	wg.Wait()

	logger.Info("Bridge shutdown complete")
}
