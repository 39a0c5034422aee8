// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package metrics provides Prometheus instrumentation for the polling and
// delivery pipeline:
//   - Circuit breaker state and transitions per target
//   - Publisher queue depth, send/drop/reconnect counters
//   - Poll cycle outcomes and durations per device
//   - Production ledger rollovers, anomalies, and persistence errors
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per target (0=closed, 1=half-open, 2=open)",
		},
		[]string{"target"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"target", "from", "to"},
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breaker_consecutive_failures",
			Help: "Current consecutive failure count per target",
		},
		[]string{"target"},
	)

	// Publisher Metrics
	PublisherQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "publisher_queue_depth",
			Help: "Current number of envelopes waiting in the outbound queue",
		},
	)

	PublisherQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_queued_total",
			Help: "Total number of envelopes accepted into the outbound queue",
		},
	)

	PublisherSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_sent_total",
			Help: "Total number of envelopes delivered to the sink",
		},
	)

	PublisherEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_evicted_total",
			Help: "Total number of envelopes evicted by the newest-message-preferred drop policy",
		},
	)

	PublisherRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_rejected_total",
			Help: "Total number of publishes rejected because the queue held no evictable envelope",
		},
	)

	PublisherLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_lost_total",
			Help: "Total number of envelopes discarded after exceeding the delivery attempt ceiling",
		},
	)

	PublisherReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_reconnects_total",
			Help: "Total number of successful sink (re)connections",
		},
	)

	PublisherSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_send_failures_total",
			Help: "Total number of failed batch sends",
		},
	)

	// Poll Cycle Metrics
	PollCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total number of completed poll cycles",
		},
	)

	PollOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_outcomes_total",
			Help: "Per-device poll outcomes",
		},
		[]string{"device", "outcome"}, // "succeeded", "skipped", "failed"
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poll_duration_seconds",
			Help:    "Duration of individual device polls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"device"},
	)

	// Production Ledger Metrics
	LedgerRollovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_rollovers_total",
			Help: "Total number of daily production counter rollovers",
		},
	)

	LedgerAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_anomalies_total",
			Help: "Total number of non-monotonic cumulative total anomalies",
		},
	)

	LedgerPersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_persist_errors_total",
			Help: "Total number of key-value store write failures",
		},
	)
)

// RecordBreakerState updates the state gauge for a breaker target.
// States map to 0=closed, 1=half-open, 2=open.
func RecordBreakerState(target string, state float64) {
	CircuitBreakerState.WithLabelValues(target).Set(state)
}

// RecordBreakerTransition increments the transition counter for a target.
func RecordBreakerTransition(target, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(target, from, to).Inc()
}

// RecordPollOutcome increments the outcome counter for a device.
func RecordPollOutcome(device, outcome string) {
	PollOutcomes.WithLabelValues(device, outcome).Inc()
}
