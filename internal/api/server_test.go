// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gridpulse/gridpulse/internal/breaker"
	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/ledger"
	"github.com/gridpulse/gridpulse/internal/poller"
	"github.com/gridpulse/gridpulse/internal/publish"
	"github.com/gridpulse/gridpulse/internal/retry"
)

// memStore backs the test ledger.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *memStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// staticClient returns a fixed reading for every device.
type staticClient struct{}

func (staticClient) Read(_ context.Context, _ config.DeviceConfig) ([]poller.Reading, error) {
	return []poller.Reading{{ChannelID: "1", Today: 1.0, Total: 10.0}}, nil
}

// offlineSink never connects, so published envelopes stay queued.
type offlineSink struct{}

func (offlineSink) Connect(_ context.Context) (publish.SinkConn, error) {
	return nil, errors.New("offline")
}

// newTestServer wires a server over in-memory collaborators.
func newTestServer(t *testing.T) (*Server, *poller.Coordinator) {
	t.Helper()

	led := ledger.New(ledger.Config{ResetHour: 23, Location: time.UTC},
		&memStore{data: make(map[string][]byte)})
	pub := publish.NewPublisher(publish.Config{QueueCapacity: 8, BatchSize: 4}, offlineSink{})
	coord := poller.NewCoordinator(poller.Config{
		SubjectPrefix: "test.production",
		Retry:         retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond, JitterFraction: 0.1},
		Breaker:       breaker.Config{FailureThreshold: 5, OpenDuration: time.Minute},
	}, []config.DeviceConfig{{
		ID: "dtu-1", Host: "127.0.0.1", Port: 9999, Timeout: time.Second,
	}}, staticClient{}, led, pub)

	return NewServer(Config{Host: "127.0.0.1", Port: 0}, coord, pub, led), coord
}

// get performs a request against the server's router.
func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

// TestServer_Healthz verifies the liveness endpoint
func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("Status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("Body %q missing ok status", rec.Body.String())
	}
}

// TestServer_Devices verifies the device health endpoint reflects the
// coordinator state
func TestServer_Devices(t *testing.T) {
	s, coord := newTestServer(t)
	coord.RunCycle(context.Background(), time.Now())

	rec := get(t, s, "/api/v1/devices")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"id":"dtu-1"`) {
		t.Errorf("Body missing device: %s", body)
	}
	if !strings.Contains(body, `"breaker_state":"closed"`) {
		t.Errorf("Body missing breaker state: %s", body)
	}
}

// TestServer_Publisher verifies the delivery counters endpoint
func TestServer_Publisher(t *testing.T) {
	s, coord := newTestServer(t)
	coord.RunCycle(context.Background(), time.Now())

	rec := get(t, s, "/api/v1/publisher")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"queued":1`) {
		t.Errorf("Body missing queued counter: %s", rec.Body.String())
	}
}

// TestServer_Production verifies the ledger snapshot endpoint
func TestServer_Production(t *testing.T) {
	s, coord := newTestServer(t)
	coord.RunCycle(context.Background(), time.Now())

	rec := get(t, s, "/api/v1/production")
	if rec.Code != http.StatusOK {
		t.Fatalf("Status %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"device_id":"dtu-1"`) {
		t.Errorf("Body missing ledger record: %s", body)
	}
	if !strings.Contains(body, `"total":10`) {
		t.Errorf("Body missing total: %s", body)
	}
}

// TestServer_Metrics verifies the Prometheus endpoint responds
func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Errorf("Status %d, want 200", rec.Code)
	}
}
