// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package publish provides the outbound delivery pipeline: a bounded
// priority queue, a single-dispatcher publisher that owns the sink
// connection, and the NATS sink implementation.
package publish

import (
	"time"

	"github.com/google/uuid"
)

// Priority classifies an envelope for queueing. Priority envelopes are
// delivered before normal ones and are never evicted to make room.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Envelope is one message awaiting delivery to the sink.
type Envelope struct {
	// ID identifies the envelope inside the queue. Batch removal is by
	// ID rather than by count so that an eviction racing a dispatch
	// cannot remove the wrong entries.
	ID uuid.UUID

	// Subject is the sink topic the payload is published to.
	Subject string

	// Payload is the encoded message body.
	Payload []byte

	// Priority decides queue ordering and eviction eligibility.
	Priority Priority

	// CreatedAt is when the envelope was accepted into the queue.
	CreatedAt time.Time

	// Attempts counts failed delivery attempts so far.
	Attempts int
}

// NewEnvelope builds an envelope for the given subject and payload.
func NewEnvelope(subject string, payload []byte, priority Priority) *Envelope {
	return &Envelope{
		ID:        uuid.New(),
		Subject:   subject,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}
