// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fastPolicy keeps test retries in the millisecond range.
func fastPolicy(maxAttempts uint64) Policy {
	return Policy{
		MaxAttempts:    maxAttempts,
		BaseDelay:      time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       5 * time.Millisecond,
		JitterFraction: 0.1,
	}
}

// TestExecutor_SucceedsAfterTransientFailures verifies the operation is
// retried until it succeeds within the attempt budget
func TestExecutor_SucceedsAfterTransientFailures(t *testing.T) {
	e := NewExecutor(fastPolicy(5))

	calls := 0
	err := e.Do(context.Background(), "test-op", func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

// TestExecutor_ExhaustionReturnsLastError verifies the final attempt's
// error is surfaced once the budget runs out
func TestExecutor_ExhaustionReturnsLastError(t *testing.T) {
	e := NewExecutor(fastPolicy(3))

	lastErr := errors.New("attempt 3 failed")
	calls := 0
	err := e.Do(context.Background(), "test-op", func(_ context.Context) error {
		calls++
		if calls == 3 {
			return lastErr
		}
		return errors.New("earlier failure")
	})
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if !errors.Is(err, lastErr) {
		t.Errorf("Expected the final attempt's error, got %v", err)
	}
}

// TestExecutor_CancellationReturnsErrCanceled verifies cancellation is
// distinguishable from an operation error
func TestExecutor_CancellationReturnsErrCanceled(t *testing.T) {
	e := NewExecutor(Policy{
		MaxAttempts:    10,
		BaseDelay:      time.Hour, // the cancel must interrupt this wait
		Multiplier:     2.0,
		MaxDelay:       time.Hour,
		JitterFraction: 0.1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := e.Do(ctx, "test-op", func(_ context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Expected ErrCanceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Cancellation did not interrupt the backoff wait, took %v", elapsed)
	}
}

// TestExecutor_CanceledContextMidOperation verifies an operation failing
// because its context died also reports ErrCanceled
func TestExecutor_CanceledContextMidOperation(t *testing.T) {
	e := NewExecutor(fastPolicy(5))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, "test-op", func(_ context.Context) error {
		calls++
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Expected ErrCanceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected no retries after cancellation, got %d attempts", calls)
	}
}

// TestExecutor_SingleAttemptBudget verifies MaxAttempts=1 means no retry
func TestExecutor_SingleAttemptBudget(t *testing.T) {
	e := NewExecutor(fastPolicy(1))

	calls := 0
	opErr := errors.New("failure")
	err := e.Do(context.Background(), "test-op", func(_ context.Context) error {
		calls++
		return opErr
	})
	if calls != 1 {
		t.Errorf("Expected exactly 1 attempt, got %d", calls)
	}
	if !errors.Is(err, opErr) {
		t.Errorf("Expected operation error, got %v", err)
	}
}
