// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Command bridge polls solar gateway devices, maintains durable
// production counters, and delivers readings to NATS.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridpulse/gridpulse/internal/api"
	"github.com/gridpulse/gridpulse/internal/breaker"
	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/device"
	"github.com/gridpulse/gridpulse/internal/ledger"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/poller"
	"github.com/gridpulse/gridpulse/internal/publish"
	"github.com/gridpulse/gridpulse/internal/retry"
	"github.com/gridpulse/gridpulse/internal/storage"
	"github.com/gridpulse/gridpulse/internal/supervisor"
)

// flushTimeout bounds the shutdown drain of the outbound queue.
const flushTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Configuration load failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Int("devices", len(cfg.Devices)).Msg("GridPulse starting")

	loc, err := cfg.Ledger.Location()
	if err != nil {
		// Load already validated this; a failure here means the tzdata
		// available to the process changed underneath us.
		logging.Fatal().Err(err).Msg("Timezone resolution failed")
	}

	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path})
	if err != nil {
		logging.Fatal().Err(err).Msg("Store open failed")
	}

	led := ledger.New(ledger.Config{
		ResetHour: cfg.Ledger.ResetHour,
		Location:  loc,
	}, store)
	if err := led.Load(); err != nil {
		logging.Fatal().Err(err).Msg("Ledger load failed")
	}

	sink := publish.NewNATSSink(publish.NATSSinkConfig{
		URL:            cfg.NATS.URL,
		Name:           cfg.NATS.Name,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
		FlushTimeout:   cfg.NATS.FlushTimeout,
	})
	pub := publish.NewPublisher(publish.Config{
		QueueCapacity:  cfg.Publisher.QueueCapacity,
		BatchSize:      cfg.Publisher.BatchSize,
		AttemptCeiling: cfg.Publisher.AttemptCeiling,
		RetryDelay:     cfg.Publisher.RetryDelay,
		ConnectRetry:   retryPolicy(cfg.Publisher.ConnectRetry),
		Breaker:        breakerConfig(cfg.Publisher.Breaker),
	}, sink)

	coord := poller.NewCoordinator(poller.Config{
		Workers:       cfg.Poll.Workers,
		SubjectPrefix: cfg.Publisher.SubjectPrefix,
		Retry:         retryPolicy(cfg.Poll.Retry),
		Breaker:       breakerConfig(cfg.Poll.Breaker),
	}, cfg.Devices, device.NewHTTPClient(), led, pub)

	apiServer := api.NewServer(api.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, coord, pub, led)

	tree := supervisor.New(pub, poller.NewRunner(coord, cfg.Poll.Period), apiServer)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	treeCtx, cancelTree := context.WithCancel(context.Background())
	treeDone := make(chan error, 1)
	go func() {
		treeDone <- tree.Serve(treeCtx)
	}()

	<-signalCtx.Done()
	logging.Info().Msg("Shutdown signal received, draining publisher")

	// Drain the queue while the dispatcher is still running, then stop
	// the tree.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
	if err := pub.Flush(flushCtx); err != nil {
		logging.Warn().Int("remaining", pub.Stats().Depth).Msg("Queue not fully drained before shutdown")
	}
	cancelFlush()

	cancelTree()
	<-treeDone

	if err := store.Close(); err != nil {
		logging.Error().Err(err).Msg("Store close failed")
	}
	logging.Info().Msg("GridPulse stopped")
}

// retryPolicy converts config retry settings to a retry policy.
func retryPolicy(c config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		Multiplier:     c.Multiplier,
		MaxDelay:       c.MaxDelay,
		JitterFraction: c.JitterFraction,
	}
}

// breakerConfig converts config breaker settings.
func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		OpenDuration:     c.OpenDuration,
	}
}
