// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSinkConfig holds NATS connection settings.
type NATSSinkConfig struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string

	// Name identifies this client on the server.
	Name string

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// FlushTimeout bounds the server round trip after a batch publish.
	FlushTimeout time.Duration
}

// NATSSink connects the publisher to a NATS server. Reconnection is the
// publisher's job, so the client's own reconnect machinery is disabled;
// a dropped connection surfaces as a send error and the dispatcher
// connects fresh.
type NATSSink struct {
	cfg NATSSinkConfig
}

// NewNATSSink creates a sink for the given server.
func NewNATSSink(cfg NATSSinkConfig) *NATSSink {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "gridpulse"
	}
	return &NATSSink{cfg: cfg}
}

// Connect implements Sink.
func (s *NATSSink) Connect(_ context.Context) (SinkConn, error) {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.Timeout(s.cfg.ConnectTimeout),
		nats.NoReconnect(),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", s.cfg.URL, err)
	}
	return &natsConn{nc: nc, flushTimeout: s.cfg.FlushTimeout}, nil
}

type natsConn struct {
	nc           *nats.Conn
	flushTimeout time.Duration
}

// Send publishes each envelope and flushes once for the whole batch. The
// flush round trip is what confirms the server accepted the writes; an
// error anywhere leaves the batch counted as undelivered.
func (c *natsConn) Send(ctx context.Context, batch []*Envelope) error {
	for _, env := range batch {
		if err := c.nc.Publish(env.Subject, env.Payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", env.Subject, err)
		}
	}

	fctx, cancel := context.WithTimeout(ctx, c.flushTimeout)
	defer cancel()
	if err := c.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close implements SinkConn.
func (c *natsConn) Close() error {
	c.nc.Close()
	return nil
}
