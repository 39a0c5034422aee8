// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package ledger maintains durable per-channel production counters with
// timezone-aware daily rollover.
package ledger

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/metrics"
)

// KeyValueStore is the persistence collaborator. The ledger treats a nil
// error from Put as a durable write.
type KeyValueStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// keyPrefix namespaces ledger records in the shared store.
const keyPrefix = "prod/"

// Record holds the production counters for one (device, channel) pair.
type Record struct {
	DeviceID  string `json:"device_id"`
	ChannelID string `json:"channel_id"`

	// Total is the cumulative production reported by the device,
	// monotonic non-decreasing except across device resets.
	Total float64 `json:"total"`

	// Today is the production accumulated in the current local day.
	Today float64 `json:"today"`

	// LastResetDate is the local calendar date ("2006-01-02") of the
	// most recent rollover.
	LastResetDate string `json:"last_reset_date"`

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Config holds ledger settings.
type Config struct {
	// ResetHour is the local hour (0-23) at which the day counter rolls
	// over. Solar installations commonly use a late-evening hour so a
	// full production day is finalized after sunset.
	ResetHour int

	// Location is the timezone the reset hour is evaluated in.
	Location *time.Location
}

// Ledger tracks production records in memory and persists every change
// synchronously through the key-value store before committing it. A
// crash right after a poll therefore loses at most the reading that was
// being applied.
//
// Updates to the same (device, channel) key are serialized with a
// per-key lock; different keys update concurrently.
type Ledger struct {
	cfg   Config
	store KeyValueStore
	log   zerolog.Logger

	mu      sync.RWMutex
	records map[string]*Record
	locks   map[string]*sync.Mutex
}

// New creates a ledger over the given store.
func New(cfg Config, store KeyValueStore) *Ledger {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Ledger{
		cfg:     cfg,
		store:   store,
		log:     logging.With().Str("component", "ledger").Logger(),
		records: make(map[string]*Record),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Scanner is implemented by stores that can enumerate keys by prefix,
// letting the ledger reload its records on startup.
type Scanner interface {
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// Load restores persisted records into memory. Stores that cannot scan
// are served lazily via Get on first access instead.
func (l *Ledger) Load() error {
	s, ok := l.store.(Scanner)
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	err := s.Scan(keyPrefix, func(key string, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record %q: %w", key, err)
		}
		l.records[key] = &rec
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	l.log.Info().Int("records", count).Msg("Ledger loaded from store")
	return nil
}

// LocalDate returns the ledger-day date string for an instant. The day
// boundary sits at the configured reset hour, so the instant is shifted
// forward by (24 - resetHour) hours before taking the calendar date:
// with reset hour 23, 22:59 still belongs to the old day and 23:01
// already belongs to the new one.
func (l *Ledger) LocalDate(t time.Time) string {
	shift := time.Duration(24-l.cfg.ResetHour) * time.Hour
	return t.In(l.cfg.Location).Add(shift).Format("2006-01-02")
}

// ApplyReading folds one poll result into the record for (deviceID,
// channelID). localDate is the ledger-day the reading belongs to,
// normally LocalDate(observedAt).
//
// When localDate is later than the stored reset date, the day counter
// rolls over exactly once: the finalized day value is logged, the
// counter zeroed, and the date advanced, all before the new reading is
// applied. A reading carrying an older date (retried or duplicated
// data) never triggers a second rollover. The rollover and the value
// update commit together; no reader can observe an advanced date with a
// stale value.
//
// The updated record is persisted before the in-memory copy advances.
// On a store failure the record is left untouched and the error is
// returned, so the caller retries the reading on a later cycle instead
// of losing it.
func (l *Ledger) ApplyReading(deviceID, channelID string, today, total float64, observedAt time.Time, localDate string) error {
	key := recordKey(deviceID, channelID)
	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	cur, err := l.current(key)
	if err != nil {
		return err
	}

	var next Record
	if cur == nil {
		next = Record{
			DeviceID:      deviceID,
			ChannelID:     channelID,
			LastResetDate: localDate,
		}
	} else {
		next = *cur

		// Retried or duplicated data from before the last rollover.
		// Applying it would both undo the reset and overwrite the new
		// day's counter with a stale value, so it is dropped.
		if localDate < next.LastResetDate {
			l.log.Debug().
				Str("device", deviceID).
				Str("channel", channelID).
				Str("reading_day", localDate).
				Str("current_day", next.LastResetDate).
				Msg("Dropping reading dated before last rollover")
			return nil
		}

		if total < next.Total {
			metrics.LedgerAnomalies.Inc()
			l.log.Warn().
				Str("device", deviceID).
				Str("channel", channelID).
				Float64("stored_total", next.Total).
				Float64("reported_total", total).
				Msg("Cumulative total decreased, accepting as device reset")
		}

		if localDate > next.LastResetDate {
			metrics.LedgerRollovers.Inc()
			l.log.Info().
				Str("device", deviceID).
				Str("channel", channelID).
				Str("day", next.LastResetDate).
				Float64("finalized_today", next.Today).
				Msg("Day counter rollover")
			next.Today = 0
			next.LastResetDate = localDate
		}
	}

	next.Total = total
	next.Today = today
	next.UpdatedAt = observedAt

	value, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}
	if err := l.store.Put(key, value); err != nil {
		metrics.LedgerPersistErrors.Inc()
		return fmt.Errorf("persist record %q: %w", key, err)
	}

	l.mu.Lock()
	l.records[key] = &next
	l.mu.Unlock()
	return nil
}

// Get returns a copy of the record for (deviceID, channelID), or false
// if none exists yet.
func (l *Ledger) Get(deviceID, channelID string) (Record, bool) {
	l.mu.RLock()
	rec, ok := l.records[recordKey(deviceID, channelID)]
	l.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all in-memory records.
func (l *Ledger) Snapshot() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	return out
}

// current returns the in-memory record for key, falling back to the
// store when the key has not been seen since startup.
func (l *Ledger) current(key string) (*Record, error) {
	l.mu.RLock()
	rec, ok := l.records[key]
	l.mu.RUnlock()
	if ok {
		return rec, nil
	}

	value, found, err := l.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load record %q: %w", key, err)
	}
	if !found {
		return nil, nil
	}

	var loaded Record
	if err := json.Unmarshal(value, &loaded); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", key, err)
	}

	l.mu.Lock()
	l.records[key] = &loaded
	l.mu.Unlock()
	return &loaded, nil
}

// keyLock returns the mutex serializing updates to key.
func (l *Ledger) keyLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	return lock
}

func recordKey(deviceID, channelID string) string {
	return keyPrefix + deviceID + "/" + channelID
}
