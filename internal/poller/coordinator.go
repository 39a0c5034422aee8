// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package poller orchestrates concurrent device polls, folds readings
// into the production ledger, and hands composed messages to the
// publisher.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/gridpulse/gridpulse/internal/breaker"
	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/ledger"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/metrics"
	"github.com/gridpulse/gridpulse/internal/publish"
	"github.com/gridpulse/gridpulse/internal/retry"
)

// Reading is one channel sample returned by a device.
type Reading struct {
	ChannelID string
	Today     float64
	Total     float64
	Metadata  map[string]string
}

// DeviceClient reads production data from one device. Implementations
// must honor ctx; the coordinator applies a hard per-call timeout.
type DeviceClient interface {
	Read(ctx context.Context, device config.DeviceConfig) ([]Reading, error)
}

// Config holds coordinator settings.
type Config struct {
	// Workers bounds concurrent polls within a cycle. Zero means one
	// worker per device.
	Workers int

	// SubjectPrefix prefixes the sink subject for composed messages.
	SubjectPrefix string

	// Retry is the per-poll attempt policy. The budget is kept small so
	// a struggling device cannot stretch the cycle.
	Retry retry.Policy

	// Breaker configures the per-device breakers.
	Breaker breaker.Config
}

// CycleResult aggregates one cycle's per-device outcomes.
type CycleResult struct {
	Succeeded int
	Skipped   int
	Failed    int
}

// DeviceHealth is a read-only view of one device's polling state.
type DeviceHealth struct {
	ID                  string    `json:"id"`
	BreakerState        string    `json:"breaker_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
}

// deviceEntry pairs a device's config with its breaker and poll status.
// Entries are created at construction and never removed during a run.
type deviceEntry struct {
	cfg config.DeviceConfig
	brk *breaker.Breaker

	// busy guards against a new cycle polling a device whose previous
	// poll is still in flight. At most one read per device at a time.
	busy atomic.Bool

	mu          sync.Mutex
	lastSuccess time.Time
	lastError   string
}

// Coordinator runs poll cycles over the configured devices.
type Coordinator struct {
	cfg     Config
	devices []*deviceEntry
	client  DeviceClient
	led     *ledger.Ledger
	pub     *publish.Publisher
	retry   *retry.Executor
	log     zerolog.Logger
}

// NewCoordinator creates a coordinator with one breaker per device.
func NewCoordinator(cfg Config, devices []config.DeviceConfig, client DeviceClient, led *ledger.Ledger, pub *publish.Publisher) *Coordinator {
	entries := make([]*deviceEntry, len(devices))
	for i, d := range devices {
		entries[i] = &deviceEntry{
			cfg: d,
			brk: breaker.New(d.ID, cfg.Breaker),
		}
	}
	return &Coordinator{
		cfg:     cfg,
		devices: entries,
		client:  client,
		led:     led,
		pub:     pub,
		retry:   retry.NewExecutor(cfg.Retry),
		log:     logging.With().Str("component", "poller").Logger(),
	}
}

// RunCycle polls every eligible device concurrently, bounded by the
// worker pool, and returns the aggregate outcome once every device task
// has finished or timed out. One device's failure never delays or fails
// another device's poll.
func (c *Coordinator) RunCycle(ctx context.Context, now time.Time) CycleResult {
	workers := c.cfg.Workers
	if workers <= 0 {
		workers = len(c.devices)
	}
	sem := make(chan struct{}, workers)

	var succeeded, skipped, failed atomic.Int64
	var wg sync.WaitGroup

	for _, entry := range c.devices {
		if !entry.busy.CompareAndSwap(false, true) {
			c.log.Warn().Str("device", entry.cfg.ID).Msg("Previous poll still in flight, skipping")
			metrics.RecordPollOutcome(entry.cfg.ID, "skipped")
			skipped.Add(1)
			continue
		}

		if !entry.brk.Allow() {
			entry.busy.Store(false)
			c.log.Debug().Str("device", entry.cfg.ID).Msg("Breaker open, skipping device")
			metrics.RecordPollOutcome(entry.cfg.ID, "skipped")
			skipped.Add(1)
			continue
		}

		wg.Add(1)
		go func(entry *deviceEntry) {
			defer wg.Done()
			defer entry.busy.Store(false)

			sem <- struct{}{}
			defer func() { <-sem }()

			switch c.pollDevice(ctx, entry, now) {
			case pollSucceeded:
				metrics.RecordPollOutcome(entry.cfg.ID, "succeeded")
				succeeded.Add(1)
			case pollFailed:
				metrics.RecordPollOutcome(entry.cfg.ID, "failed")
				failed.Add(1)
			case pollCanceled:
				metrics.RecordPollOutcome(entry.cfg.ID, "skipped")
				skipped.Add(1)
			}
		}(entry)
	}

	wg.Wait()
	metrics.PollCycles.Inc()

	result := CycleResult{
		Succeeded: int(succeeded.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	c.log.Debug().
		Int("succeeded", result.Succeeded).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("Poll cycle complete")
	return result
}

type pollOutcome int

const (
	pollSucceeded pollOutcome = iota
	pollFailed
	pollCanceled
)

// pollDevice reads one device under the retry policy, reports the
// terminal outcome to the device's breaker, and on success folds the
// readings into the ledger and publishes them.
func (c *Coordinator) pollDevice(ctx context.Context, entry *deviceEntry, now time.Time) pollOutcome {
	start := time.Now()

	var readings []Reading
	err := c.retry.Do(ctx, entry.cfg.ID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, entry.cfg.Timeout)
		defer cancel()

		r, err := c.client.Read(callCtx, entry.cfg)
		if err != nil {
			return err
		}
		readings = r
		return nil
	})
	metrics.PollDuration.WithLabelValues(entry.cfg.ID).Observe(time.Since(start).Seconds())

	if err != nil {
		// Shutdown is not a device failure. Release any claimed
		// half-open trial so the breaker is not stuck after a restart.
		if errors.Is(err, retry.ErrCanceled) {
			entry.brk.OnCanceled()
			return pollCanceled
		}
		entry.brk.OnFailure()
		entry.mu.Lock()
		entry.lastError = err.Error()
		entry.mu.Unlock()
		c.log.Error().Err(err).Str("device", entry.cfg.ID).Msg("Device poll failed")
		return pollFailed
	}

	entry.brk.OnSuccess()
	entry.mu.Lock()
	entry.lastSuccess = now
	entry.lastError = ""
	entry.mu.Unlock()

	c.applyReadings(entry, readings, now)
	return pollSucceeded
}

// applyReadings persists each reading and publishes it. A ledger write
// failure is logged and the reading skipped; the next cycle carries a
// fresh reading for the same channel.
func (c *Coordinator) applyReadings(entry *deviceEntry, readings []Reading, now time.Time) {
	localDate := c.led.LocalDate(now)
	for _, r := range readings {
		if err := c.led.ApplyReading(entry.cfg.ID, r.ChannelID, r.Today, r.Total, now, localDate); err != nil {
			c.log.Error().Err(err).
				Str("device", entry.cfg.ID).
				Str("channel", r.ChannelID).
				Msg("Ledger update failed, reading not published")
			continue
		}

		payload, err := json.Marshal(productionMessage{
			DeviceID:   entry.cfg.ID,
			ChannelID:  r.ChannelID,
			Today:      r.Today,
			Total:      r.Total,
			ObservedAt: now,
			Metadata:   r.Metadata,
		})
		if err != nil {
			c.log.Error().Err(err).Str("device", entry.cfg.ID).Msg("Message encode failed")
			continue
		}

		subject := c.cfg.SubjectPrefix + "." + entry.cfg.ID
		c.pub.Publish(subject, payload, publish.PriorityNormal)
	}
}

// productionMessage is the payload published per reading.
type productionMessage struct {
	DeviceID   string            `json:"device_id"`
	ChannelID  string            `json:"channel_id"`
	Today      float64           `json:"today"`
	Total      float64           `json:"total"`
	ObservedAt time.Time         `json:"observed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Health returns a snapshot of every device's polling state, for the
// health endpoint.
func (c *Coordinator) Health() []DeviceHealth {
	out := make([]DeviceHealth, len(c.devices))
	for i, entry := range c.devices {
		entry.mu.Lock()
		out[i] = DeviceHealth{
			ID:                  entry.cfg.ID,
			BreakerState:        entry.brk.State().String(),
			ConsecutiveFailures: entry.brk.ConsecutiveFailures(),
			LastSuccess:         entry.lastSuccess,
			LastError:           entry.lastError,
		}
		entry.mu.Unlock()
	}
	return out
}
