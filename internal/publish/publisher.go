// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

package publish

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridpulse/gridpulse/internal/breaker"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/metrics"
	"github.com/gridpulse/gridpulse/internal/retry"
)

// errSinkGated means the sink breaker is open and connects are not
// allowed yet.
var errSinkGated = errors.New("publish: sink circuit breaker open")

// Sink is a delivery target the publisher can connect to.
type Sink interface {
	// Connect establishes a connection. The publisher owns the returned
	// connection exclusively until it closes it.
	Connect(ctx context.Context) (SinkConn, error)
}

// SinkConn is an established sink connection.
type SinkConn interface {
	// Send delivers a batch of envelopes. An error means the batch must
	// be considered undelivered as a whole.
	Send(ctx context.Context, batch []*Envelope) error

	// Close releases the connection.
	Close() error
}

// Config holds publisher settings.
type Config struct {
	// QueueCapacity bounds the outbound queue.
	QueueCapacity int

	// BatchSize is the maximum envelopes per send.
	BatchSize int

	// AttemptCeiling discards an envelope after this many failed
	// delivery attempts. 0 disables the ceiling.
	AttemptCeiling int

	// RetryDelay is the pause after a failed send before the dispatcher
	// tries again, so a dead sink is not hammered in a tight loop.
	RetryDelay time.Duration

	// ConnectRetry governs reconnect attempts inside one connect round.
	ConnectRetry retry.Policy

	// Breaker gates connect attempts against the sink.
	Breaker breaker.Config
}

// Stats is a snapshot of publisher delivery counters.
type Stats struct {
	Queued    uint64 `json:"queued"`
	Sent      uint64 `json:"sent"`
	Evicted   uint64 `json:"evicted"`
	Rejected  uint64 `json:"rejected"`
	Lost      uint64 `json:"lost"`
	Depth     int    `json:"depth"`
	Connected bool   `json:"connected"`
}

// Publisher drains the outbound queue into the sink from a single
// dispatcher goroutine. Producers only touch the queue; the dispatcher
// alone owns the sink connection, so no connection-level locking is
// needed and send order is exactly queue order.
//
// Delivery is at least once. Envelopes are removed from the queue only
// after the sink accepts them, so a failed send leaves them queued for
// the next round (duplicates are possible if the sink accepted a batch
// but the acknowledgement was lost).
type Publisher struct {
	cfg   Config
	queue *OutboundQueue
	sink  Sink
	brk   *breaker.Breaker
	retry *retry.Executor
	log   zerolog.Logger

	queued    atomic.Uint64
	sent      atomic.Uint64
	evicted   atomic.Uint64
	rejected  atomic.Uint64
	lost      atomic.Uint64
	connected atomic.Bool
}

// NewPublisher creates a publisher over the given sink.
func NewPublisher(cfg Config, sink Sink) *Publisher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 64
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1024
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Publisher{
		cfg:   cfg,
		queue: NewOutboundQueue(cfg.QueueCapacity),
		sink:  sink,
		brk:   breaker.New("sink", cfg.Breaker),
		retry: retry.NewExecutor(cfg.ConnectRetry),
		log:   logging.With().Str("component", "publisher").Logger(),
	}
}

// Publish enqueues a payload for delivery. It never blocks on the sink;
// when the queue is full the drop policy decides the outcome.
func (p *Publisher) Publish(subject string, payload []byte, priority Priority) EnqueueResult {
	env := NewEnvelope(subject, payload, priority)
	result := p.queue.Enqueue(env)
	switch result {
	case EnqueueOK:
		p.queued.Add(1)
	case EnqueueEvicted:
		p.queued.Add(1)
		p.evicted.Add(1)
		p.log.Warn().Str("subject", subject).Msg("Queue full, evicted oldest normal envelope")
	case EnqueueRejected:
		p.rejected.Add(1)
		p.log.Warn().Str("subject", subject).Msg("Queue full of priority envelopes, publish rejected")
	}
	return result
}

// Serve runs the dispatch loop until ctx is canceled. It implements
// suture.Service.
func (p *Publisher) Serve(ctx context.Context) error {
	p.log.Info().Msg("Publisher dispatcher started")
	defer p.log.Info().Msg("Publisher dispatcher stopped")

	var conn SinkConn
	defer func() {
		if conn != nil {
			_ = conn.Close()
			p.connected.Store(false)
		}
	}()

	for {
		if p.queue.Len() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.queue.Signal():
			}
		}

		if conn == nil {
			c, err := p.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !sleepCtx(ctx, p.cfg.RetryDelay) {
					return ctx.Err()
				}
				continue
			}
			conn = c
			p.connected.Store(true)
		}

		batch := p.queue.Peek(p.cfg.BatchSize)
		if len(batch) == 0 {
			continue
		}

		if err := conn.Send(ctx, batch); err != nil {
			p.log.Error().Err(err).Int("batch", len(batch)).Msg("Batch send failed")
			metrics.PublisherSendFailures.Inc()
			p.brk.OnFailure()

			ids := envelopeIDs(batch)
			if discarded := p.queue.IncrementAttempts(ids, p.cfg.AttemptCeiling); discarded > 0 {
				p.lost.Add(uint64(discarded))
				p.log.Warn().Int("discarded", discarded).Msg("Envelopes exceeded delivery attempt ceiling")
			}

			_ = conn.Close()
			conn = nil
			p.connected.Store(false)

			if !sleepCtx(ctx, p.cfg.RetryDelay) {
				return ctx.Err()
			}
			continue
		}

		p.brk.OnSuccess()
		removed := p.queue.RemoveBatch(envelopeIDs(batch))
		p.sent.Add(uint64(removed))
		metrics.PublisherSent.Add(float64(removed))
		p.log.Debug().Int("batch", removed).Msg("Batch delivered")
	}
}

// connect establishes a sink connection, gated by the sink breaker and
// retried under the connect policy.
func (p *Publisher) connect(ctx context.Context) (SinkConn, error) {
	if !p.brk.Allow() {
		return nil, errSinkGated
	}

	var conn SinkConn
	err := p.retry.Do(ctx, "sink-connect", func(ctx context.Context) error {
		c, err := p.sink.Connect(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrCanceled) {
			p.brk.OnCanceled()
		} else {
			p.brk.OnFailure()
			p.log.Error().Err(err).Msg("Sink connect failed")
		}
		return nil, err
	}

	// A successful connect is the half-open trial outcome even if the
	// queue happens to be empty by now.
	p.brk.OnSuccess()
	metrics.PublisherReconnects.Inc()
	p.log.Info().Msg("Sink connected")
	return conn, nil
}

// Flush blocks until the queue is empty or ctx expires.
func (p *Publisher) Flush(ctx context.Context) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if p.queue.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Stats returns a snapshot of delivery counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Queued:    p.queued.Load(),
		Sent:      p.sent.Load(),
		Evicted:   p.evicted.Load(),
		Rejected:  p.rejected.Load(),
		Lost:      p.lost.Load(),
		Depth:     p.queue.Len(),
		Connected: p.connected.Load(),
	}
}

// Queue exposes the underlying queue, mainly for tests.
func (p *Publisher) Queue() *OutboundQueue {
	return p.queue
}

// Breaker exposes the sink breaker for health reporting.
func (p *Publisher) Breaker() *breaker.Breaker {
	return p.brk
}

// String implements fmt.Stringer for suture service naming.
func (p *Publisher) String() string {
	return "publisher"
}

func envelopeIDs(batch []*Envelope) []uuid.UUID {
	ids := make([]uuid.UUID, len(batch))
	for i, env := range batch {
		ids[i] = env.ID
	}
	return ids
}

// sleepCtx waits for d or until ctx is done. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
