// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package supervisor assembles the suture supervision tree.
//
// Layout:
//
//	gridpulse (root)
//	├── pipeline
//	│   ├── publisher
//	│   └── poll-runner
//	└── api-server
//
// The pipeline children restart independently: a crashed poll runner
// does not drop the publisher's queue, and a crashed publisher does not
// stop polling (readings keep landing in the ledger and queue).
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/gridpulse/gridpulse/internal/logging"
)

// Tree is the supervision tree for the GridPulse process.
type Tree struct {
	root *suture.Supervisor
}

// New builds the tree. Services are suture.Service implementations;
// the pipeline services restart on failure with suture's default
// backoff.
func New(publisher, pollRunner, apiServer suture.Service) *Tree {
	root := suture.New("gridpulse", spec())

	pipeline := suture.New("pipeline", spec())
	pipeline.Add(publisher)
	pipeline.Add(pollRunner)

	root.Add(pipeline)
	root.Add(apiServer)

	return &Tree{root: root}
}

// Serve runs the tree until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// spec returns the shared supervisor options, with suture's events
// routed through the zerolog-backed slog handler.
func spec() suture.Spec {
	return suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook(),
		FailureDecay:     30,
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
	}
}
