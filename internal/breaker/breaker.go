// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package breaker implements a per-target circuit breaker.
//
// Unlike wrap-style breakers, callers first ask Allow() whether the call may
// proceed, run the operation themselves, and then report the outcome with
// OnSuccess or OnFailure. This lets the polling coordinator skip a gated
// device cheaply instead of burning a worker on an operation that is known
// to fail, which is how one bad device is kept from consuming capacity
// intended for healthy devices.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/metrics"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name for logging and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings for one target class.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before permitting
	// a half-open trial.
	OpenDuration time.Duration
}

// Breaker is a circuit breaker protecting a single target (a device or the
// delivery sink). Breakers for different targets are fully independent.
//
// State transitions happen only inside Allow, OnSuccess, and OnFailure,
// all under one mutex. The Open→HalfOpen transition is evaluated lazily on
// the next Allow() call once the open duration has elapsed; there is no
// timer goroutine.
type Breaker struct {
	name string
	cfg  Config
	log  zerolog.Logger

	mu            sync.Mutex
	state         State
	failures      int       // consecutive failures while closed
	changedAt     time.Time // last state change
	trialInFlight bool      // half-open probe outstanding

	// now is overridable in tests for deterministic cooldown checks.
	now func() time.Time
}

// New creates a closed breaker for the named target.
func New(name string, cfg Config) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		log:   logging.With().Str("component", "breaker").Str("target", name).Logger(),
		state: StateClosed,
		now:   time.Now,
	}
	b.changedAt = b.now()
	metrics.RecordBreakerState(name, 0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
	return b
}

// Allow reports whether a call against the target may proceed now.
//
// While open, Allow returns false until the open duration has elapsed; the
// first Allow after that moves the breaker to half-open and claims the
// single trial slot. While a trial is outstanding, further Allow calls
// return false until the trial resolves via OnSuccess or OnFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.changedAt) < b.cfg.OpenDuration {
			return false
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// OnSuccess reports that an allowed call succeeded.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.failures = 0
		b.transition(StateClosed)
	case StateOpen:
		// A straggler from before the breaker opened; the cooldown stands.
	}
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(b.failures))
}

// OnFailure reports that an allowed call failed.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Failed trial: back to open with a fresh cooldown.
		b.trialInFlight = false
		b.transition(StateOpen)
	case StateOpen:
		// Straggler; already open.
	}
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(b.failures))
}

// OnCanceled reports that an allowed call was abandoned without an
// outcome, typically on shutdown. A claimed half-open trial is released
// so a later Allow can probe again; nothing else changes.
func (b *Breaker) OnCanceled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// transition moves to a new state (must be called with mu held).
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.changedAt = b.now()

	b.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("Breaker state transition")
	metrics.RecordBreakerTransition(b.name, from.String(), to.String())
	metrics.RecordBreakerState(b.name, stateToFloat(to))
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Name returns the breaker target name.
func (b *Breaker) Name() string {
	return b.name
}

// stateToFloat converts a state to its numeric metric value.
func stateToFloat(state State) float64 {
	switch state {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}
