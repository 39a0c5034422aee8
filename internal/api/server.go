// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package api serves the health, status, and metrics HTTP endpoints.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gridpulse/gridpulse/internal/ledger"
	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/poller"
	"github.com/gridpulse/gridpulse/internal/publish"
)

// Config holds listener settings.
type Config struct {
	Host string
	Port int
}

// Server exposes read-only operational state over HTTP:
//
//	GET /healthz              liveness
//	GET /metrics              Prometheus metrics
//	GET /api/v1/devices       per-device poll health
//	GET /api/v1/publisher     delivery counters
//	GET /api/v1/production    current ledger records
type Server struct {
	cfg   Config
	coord *poller.Coordinator
	pub   *publish.Publisher
	led   *ledger.Ledger
	log   zerolog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config, coord *poller.Coordinator, pub *publish.Publisher, led *ledger.Ledger) *Server {
	return &Server{
		cfg:   cfg,
		coord: coord,
		pub:   pub,
		led:   led,
		log:   logging.With().Str("component", "api").Logger(),
	}
}

// Serve runs the HTTP listener until ctx is canceled. It implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("API server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// routes builds the router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Get("/publisher", s.handlePublisher)
		r.Get("/production", s.handleProduction)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Health())
}

func (s *Server) handlePublisher(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pub.Stats())
}

func (s *Server) handleProduction(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.led.Snapshot())
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Response encode failed")
	}
}

// String implements fmt.Stringer for suture service naming.
func (s *Server) String() string {
	return "api-server"
}
