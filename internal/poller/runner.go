// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridpulse/gridpulse/internal/logging"
)

// Runner drives the coordinator on a fixed period. It implements
// suture.Service; cancellation stops new cycles while the in-flight
// cycle finishes under its own per-call timeouts.
type Runner struct {
	coord  *Coordinator
	period time.Duration
	log    zerolog.Logger
}

// NewRunner creates a runner invoking coord every period.
func NewRunner(coord *Coordinator, period time.Duration) *Runner {
	return &Runner{
		coord:  coord,
		period: period,
		log:    logging.With().Str("component", "poll-runner").Logger(),
	}
}

// Serve runs poll cycles until ctx is canceled. The first cycle starts
// immediately rather than one period in.
func (r *Runner) Serve(ctx context.Context) error {
	r.log.Info().Dur("period", r.period).Msg("Poll runner started")
	defer r.log.Info().Msg("Poll runner stopped")

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	r.coord.RunCycle(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.coord.RunCycle(ctx, now)
		}
	}
}

// String implements fmt.Stringer for suture service naming.
func (r *Runner) String() string {
	return "poll-runner"
}
