// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

package publish

import (
	"sync"

	"github.com/google/uuid"

	"github.com/gridpulse/gridpulse/internal/metrics"
)

// EnqueueResult reports what Enqueue did with an envelope.
type EnqueueResult int

const (
	// EnqueueOK means the envelope was accepted without displacing anything.
	EnqueueOK EnqueueResult = iota

	// EnqueueEvicted means the envelope was accepted after the oldest
	// normal-priority envelope was dropped to make room.
	EnqueueEvicted

	// EnqueueRejected means the queue was full of priority envelopes and
	// the new envelope was refused.
	EnqueueRejected
)

// OutboundQueue is a bounded two-level FIFO. Priority envelopes drain
// before normal ones; within a level, strictly oldest first.
//
// When full, the queue prefers keeping the newest data: the oldest
// normal-priority envelope is evicted to admit a new one. If every held
// envelope is priority, the incoming envelope is rejected instead, so
// priority envelopes are never displaced.
type OutboundQueue struct {
	mu       sync.Mutex
	high     []*Envelope
	normal   []*Envelope
	capacity int

	// signal wakes the dispatcher when the queue goes non-empty.
	signal chan struct{}
}

// NewOutboundQueue creates a queue holding at most capacity envelopes
// across both levels.
func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &OutboundQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds an envelope, applying the newest-message-preferred drop
// policy when the queue is full.
func (q *OutboundQueue) Enqueue(env *Envelope) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := EnqueueOK
	if len(q.high)+len(q.normal) >= q.capacity {
		if len(q.normal) == 0 {
			metrics.PublisherRejected.Inc()
			return EnqueueRejected
		}
		// Oldest normal envelope carries the stalest telemetry.
		q.normal = q.normal[1:]
		metrics.PublisherEvicted.Inc()
		result = EnqueueEvicted
	}

	if env.Priority == PriorityHigh {
		q.high = append(q.high, env)
	} else {
		q.normal = append(q.normal, env)
	}

	metrics.PublisherQueued.Inc()
	metrics.PublisherQueueDepth.Set(float64(len(q.high) + len(q.normal)))

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return result
}

// Peek returns up to max envelopes in dispatch order without removing
// them. The returned slice is a snapshot; entries may be evicted before
// the caller removes them, which is why removal is by ID.
func (q *OutboundQueue) Peek(max int) []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Envelope, 0, max)
	for _, env := range q.high {
		if len(out) == max {
			return out
		}
		out = append(out, env)
	}
	for _, env := range q.normal {
		if len(out) == max {
			return out
		}
		out = append(out, env)
	}
	return out
}

// RemoveBatch deletes the envelopes with the given IDs, typically after a
// successful send. IDs no longer present (evicted in the meantime) are
// ignored. Returns the number actually removed.
func (q *OutboundQueue) RemoveBatch(ids []uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	removed := 0
	q.high, removed = filterOut(q.high, want, removed)
	q.normal, removed = filterOut(q.normal, want, removed)

	metrics.PublisherQueueDepth.Set(float64(len(q.high) + len(q.normal)))
	return removed
}

// IncrementAttempts bumps the attempt count on the given envelopes and
// discards any that reach the ceiling. Returns the number discarded.
func (q *OutboundQueue) IncrementAttempts(ids []uuid.UUID, ceiling int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	discarded := 0
	bump := func(level []*Envelope) []*Envelope {
		kept := level[:0]
		for _, env := range level {
			if _, ok := want[env.ID]; ok {
				env.Attempts++
				if ceiling > 0 && env.Attempts >= ceiling {
					discarded++
					continue
				}
			}
			kept = append(kept, env)
		}
		return kept
	}
	q.high = bump(q.high)
	q.normal = bump(q.normal)

	if discarded > 0 {
		metrics.PublisherLost.Add(float64(discarded))
	}
	metrics.PublisherQueueDepth.Set(float64(len(q.high) + len(q.normal)))
	return discarded
}

// Len returns the total number of queued envelopes.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Signal returns the channel the dispatcher waits on for new work.
func (q *OutboundQueue) Signal() <-chan struct{} {
	return q.signal
}

// filterOut removes envelopes whose IDs are in want from level.
func filterOut(level []*Envelope, want map[uuid.UUID]struct{}, removed int) ([]*Envelope, int) {
	kept := level[:0]
	for _, env := range level {
		if _, ok := want[env.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, env)
	}
	return kept, removed
}
