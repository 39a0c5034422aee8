// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package retry provides bounded exponential backoff with jitter for
// transient failures, built on cenkalti/backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gridpulse/gridpulse/internal/logging"
)

// ErrCanceled is returned when a retry sequence is abandoned because the
// caller's context was canceled. It is distinguishable from operation
// errors so callers do not count a shutdown as a target failure.
var ErrCanceled = errors.New("retry: canceled")

// Policy configures a retry sequence.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts uint64

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// JitterFraction randomizes each delay by +/- this fraction.
	// backoff calls this the randomization factor. 0.5 by default.
	JitterFraction float64
}

// DefaultPolicy returns a policy suitable for device polls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.5,
	}
}

// Executor runs operations under a retry policy.
type Executor struct {
	policy Policy
}

// NewExecutor creates an executor with the given policy. Zero or missing
// fields fall back to defaults.
func NewExecutor(policy Policy) *Executor {
	def := DefaultPolicy()
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.JitterFraction <= 0 {
		policy.JitterFraction = def.JitterFraction
	}
	return &Executor{policy: policy}
}

// Do runs op until it succeeds, the attempt budget is exhausted, or ctx is
// canceled. On exhaustion the error from the final attempt is returned; on
// cancellation ErrCanceled is returned regardless of how far the sequence
// got. The name appears in retry log lines.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	log := logging.With().Str("component", "retry").Str("op", name).Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.BaseDelay
	b.Multiplier = e.policy.Multiplier
	b.MaxInterval = e.policy.MaxDelay
	b.RandomizationFactor = e.policy.JitterFraction
	// MaxElapsedTime would add a second, time-based budget on top of the
	// attempt count. Attempts alone bound the sequence.
	b.MaxElapsedTime = 0

	var attempt uint64
	var lastErr error

	err := backoff.RetryNotify(
		func() error {
			attempt++
			if err := op(ctx); err != nil {
				if ctx.Err() != nil {
					// Don't keep retrying a dead context.
					return backoff.Permanent(err)
				}
				lastErr = err
				return err
			}
			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(b, e.policy.MaxAttempts-1), ctx),
		func(err error, next time.Duration) {
			log.Debug().
				Err(err).
				Uint64("attempt", attempt).
				Dur("next_delay", next).
				Msg("Attempt failed, backing off")
		},
	)
	if err == nil {
		return nil
	}

	// backoff returns ctx.Err() when canceled during a wait; an operation
	// error wrapped Permanent above means the context died mid-attempt.
	if ctx.Err() != nil {
		log.Debug().Uint64("attempts", attempt).Msg("Retry sequence canceled")
		return ErrCanceled
	}

	log.Debug().Err(lastErr).Uint64("attempts", attempt).Msg("Retry budget exhausted")
	if lastErr != nil {
		return lastErr
	}
	return err
}

// MaxAttempts returns the configured attempt budget.
func (e *Executor) MaxAttempts() uint64 {
	return e.policy.MaxAttempts
}
