// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

package ledger

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory KeyValueStore with optional write failures.
type memStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	failPuts bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
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
	if s.failPuts {
		return errors.New("disk full")
	}
	s.data[key] = value
	return nil
}

func (s *memStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// newTestLedger returns a ledger with reset hour 23 in UTC over a fresh
// in-memory store.
func newTestLedger() (*Ledger, *memStore) {
	store := newMemStore()
	l := New(Config{ResetHour: 23, Location: time.UTC}, store)
	return l, store
}

func apply(t *testing.T, l *Ledger, today, total float64, at time.Time) {
	t.Helper()
	if err := l.ApplyReading("dtu-1", "1", today, total, at, l.LocalDate(at)); err != nil {
		t.Fatalf("ApplyReading at %v: %v", at, err)
	}
}

// TestLedger_SameDayUpdates verifies two readings in the same local day
// update total and today without a reset
func TestLedger_SameDayUpdates(t *testing.T) {
	l, _ := newTestLedger()

	t1 := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)

	apply(t, l, 2.5, 100.0, t1)
	apply(t, l, 6.0, 103.5, t2)

	rec, ok := l.Get("dtu-1", "1")
	if !ok {
		t.Fatal("Record missing")
	}
	if rec.Total != 103.5 {
		t.Errorf("Expected total 103.5, got %v", rec.Total)
	}
	if rec.Today != 6.0 {
		t.Errorf("Expected today 6.0, got %v", rec.Today)
	}
	if rec.LastResetDate != l.LocalDate(t1) {
		t.Errorf("Reset date advanced within the same day: %s", rec.LastResetDate)
	}
}

// TestLedger_ResetHourBoundary verifies the scenario from the day
// boundary: reset hour 23, readings at 22:59 and 23:01, exactly one
// rollover between them
func TestLedger_ResetHourBoundary(t *testing.T) {
	l, _ := newTestLedger()

	before := time.Date(2026, 8, 26, 22, 59, 0, 0, time.UTC)
	after := time.Date(2026, 8, 26, 23, 1, 0, 0, time.UTC)

	if l.LocalDate(before) == l.LocalDate(after) {
		t.Fatal("22:59 and 23:01 map to the same ledger day with reset hour 23")
	}

	apply(t, l, 8.0, 200.0, before)
	apply(t, l, 0.1, 200.1, after)

	rec, _ := l.Get("dtu-1", "1")
	if rec.Today != 0.1 {
		t.Errorf("Expected today 0.1 after rollover, got %v", rec.Today)
	}
	if rec.LastResetDate != l.LocalDate(after) {
		t.Errorf("Expected reset date %s, got %s", l.LocalDate(after), rec.LastResetDate)
	}

	// Further same-day readings must not reset again.
	apply(t, l, 1.5, 201.5, after.Add(time.Hour))
	rec, _ = l.Get("dtu-1", "1")
	if rec.Today != 1.5 {
		t.Errorf("Expected today 1.5, got %v", rec.Today)
	}
}

// TestLedger_DuplicateOldDateDoesNotReReset verifies retried data dated
// before the rollover neither resets again nor clobbers the new day
func TestLedger_DuplicateOldDateDoesNotReReset(t *testing.T) {
	l, _ := newTestLedger()

	oldDay := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	newDay := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	apply(t, l, 8.0, 200.0, oldDay)
	apply(t, l, 3.0, 203.0, newDay)

	// A duplicate reading carrying the old ledger day.
	if err := l.ApplyReading("dtu-1", "1", 8.0, 200.0, oldDay, l.LocalDate(oldDay)); err != nil {
		t.Fatalf("Duplicate old-date reading returned error: %v", err)
	}

	rec, _ := l.Get("dtu-1", "1")
	if rec.Today != 3.0 {
		t.Errorf("Stale reading overwrote today, got %v", rec.Today)
	}
	if rec.Total != 203.0 {
		t.Errorf("Stale reading overwrote total, got %v", rec.Total)
	}
	if rec.LastResetDate != l.LocalDate(newDay) {
		t.Errorf("Reset date regressed to %s", rec.LastResetDate)
	}
}

// TestLedger_DecreasingTotalAccepted verifies a non-monotonic total is
// accepted (device reset) rather than rejected
func TestLedger_DecreasingTotalAccepted(t *testing.T) {
	l, _ := newTestLedger()

	at := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	apply(t, l, 5.0, 500.0, at)
	apply(t, l, 0.5, 0.5, at.Add(time.Hour))

	rec, _ := l.Get("dtu-1", "1")
	if rec.Total != 0.5 {
		t.Errorf("Expected the reported total to be authoritative, got %v", rec.Total)
	}
}

// TestLedger_PersistFailureDoesNotAdvance verifies a store failure
// leaves the in-memory record untouched
func TestLedger_PersistFailureDoesNotAdvance(t *testing.T) {
	l, store := newTestLedger()

	t1 := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	apply(t, l, 2.0, 100.0, t1)

	store.failPuts = true
	t2 := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	err := l.ApplyReading("dtu-1", "1", 0.5, 100.5, t2, l.LocalDate(t2))
	if err == nil {
		t.Fatal("ApplyReading succeeded despite store failure")
	}

	rec, _ := l.Get("dtu-1", "1")
	if rec.LastResetDate != l.LocalDate(t1) {
		t.Error("Rollover committed past an unpersisted write")
	}
	if rec.Total != 100.0 || rec.Today != 2.0 {
		t.Errorf("Record advanced despite store failure: total=%v today=%v", rec.Total, rec.Today)
	}

	// The same reading succeeds once the store recovers.
	store.failPuts = false
	apply(t, l, 0.5, 100.5, t2)
	rec, _ = l.Get("dtu-1", "1")
	if rec.LastResetDate != l.LocalDate(t2) {
		t.Error("Rollover missing after store recovered")
	}
}

// TestLedger_ReloadAfterRestart verifies records survive a restart via
// the store
func TestLedger_ReloadAfterRestart(t *testing.T) {
	store := newMemStore()
	cfg := Config{ResetHour: 23, Location: time.UTC}

	l1 := New(cfg, store)
	at := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	if err := l1.ApplyReading("dtu-1", "2", 4.2, 400.0, at, l1.LocalDate(at)); err != nil {
		t.Fatalf("ApplyReading: %v", err)
	}

	l2 := New(cfg, store)
	if err := l2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rec, ok := l2.Get("dtu-1", "2")
	if !ok {
		t.Fatal("Record lost across restart")
	}
	if rec.Total != 400.0 || rec.Today != 4.2 {
		t.Errorf("Reloaded record corrupt: total=%v today=%v", rec.Total, rec.Today)
	}

	// A mid-day restart must not cause a second reset.
	later := at.Add(2 * time.Hour)
	if err := l2.ApplyReading("dtu-1", "2", 5.0, 400.8, later, l2.LocalDate(later)); err != nil {
		t.Fatalf("ApplyReading after reload: %v", err)
	}
	rec, _ = l2.Get("dtu-1", "2")
	if rec.LastResetDate != l2.LocalDate(at) {
		t.Error("Reset date advanced within the same day after restart")
	}
}

// TestLedger_TimezoneBoundary verifies the ledger day follows the
// configured timezone, not UTC
func TestLedger_TimezoneBoundary(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	l := New(Config{ResetHour: 23, Location: berlin}, newMemStore())

	// 21:30 UTC on Aug 26 is 23:30 in Berlin (CEST), past the reset hour.
	utcEvening := time.Date(2026, 8, 26, 21, 30, 0, 0, time.UTC)
	if got, want := l.LocalDate(utcEvening), "2026-08-27"; got != want {
		t.Errorf("LocalDate(%v) = %s, want %s", utcEvening, got, want)
	}

	// 20:30 UTC is 22:30 in Berlin, still the old ledger day.
	if got, want := l.LocalDate(utcEvening.Add(-time.Hour)), "2026-08-26"; got != want {
		t.Errorf("LocalDate = %s, want %s", got, want)
	}
}
