// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package config loads and validates the GridPulse configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then GRIDPULSE_* environment variables, each layer overriding
// the previous one. Validation failures are fatal at startup; a process
// that cannot trust its configuration must not start polling.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces GridPulse environment variables.
const envPrefix = "GRIDPULSE_"

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Server    ServerConfig    `koanf:"server"`
	Poll      PollConfig      `koanf:"poll"`
	Publisher PublisherConfig `koanf:"publisher"`
	NATS      NATSConfig      `koanf:"nats"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Storage   StorageConfig   `koanf:"storage"`
	Devices   []DeviceConfig  `koanf:"devices" validate:"min=1,dive"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the health/metrics HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`
}

// PollConfig controls the polling coordinator.
type PollConfig struct {
	// Period is the interval between poll cycles.
	Period time.Duration `koanf:"period" validate:"min=1s"`

	// Workers bounds concurrent device polls within a cycle. Zero means
	// one worker per device.
	Workers int `koanf:"workers" validate:"min=0"`

	Retry   RetryConfig   `koanf:"retry"`
	Breaker BreakerConfig `koanf:"breaker"`
}

// PublisherConfig controls the outbound delivery pipeline.
type PublisherConfig struct {
	QueueCapacity  int           `koanf:"queue_capacity" validate:"min=1"`
	BatchSize      int           `koanf:"batch_size" validate:"min=1"`
	AttemptCeiling int           `koanf:"attempt_ceiling" validate:"min=0"`
	RetryDelay     time.Duration `koanf:"retry_delay" validate:"min=100ms"`

	// SubjectPrefix prefixes the per-device sink subjects.
	SubjectPrefix string `koanf:"subject_prefix" validate:"required"`

	ConnectRetry RetryConfig   `koanf:"connect_retry"`
	Breaker      BreakerConfig `koanf:"breaker"`
}

// NATSConfig holds sink connection settings.
type NATSConfig struct {
	URL            string        `koanf:"url" validate:"required"`
	Name           string        `koanf:"name"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	FlushTimeout   time.Duration `koanf:"flush_timeout"`
}

// LedgerConfig controls daily rollover.
type LedgerConfig struct {
	// ResetHour is the local hour at which day counters roll over.
	ResetHour int `koanf:"reset_hour" validate:"min=0,max=23"`

	// Timezone is an IANA timezone name, e.g. Europe/Berlin.
	Timezone string `koanf:"timezone" validate:"required"`
}

// Location resolves the configured timezone.
func (c LedgerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// StorageConfig controls the embedded key-value store.
type StorageConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// BreakerConfig holds circuit breaker settings for one target class.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"min=1"`
	OpenDuration     time.Duration `koanf:"open_duration" validate:"min=1s"`
}

// RetryConfig holds retry policy settings.
type RetryConfig struct {
	MaxAttempts    uint64        `koanf:"max_attempts" validate:"min=1"`
	BaseDelay      time.Duration `koanf:"base_delay" validate:"min=1ms"`
	Multiplier     float64       `koanf:"multiplier" validate:"gt=1"`
	MaxDelay       time.Duration `koanf:"max_delay" validate:"min=1ms"`
	JitterFraction float64       `koanf:"jitter_fraction" validate:"gte=0,lte=1"`
}

// DeviceConfig identifies one solar gateway to poll.
type DeviceConfig struct {
	ID      string        `koanf:"id" validate:"required"`
	Host    string        `koanf:"host" validate:"required"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"min=100ms"`
}

// Default returns the built-in defaults. Devices must come from the
// file or environment layers.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Poll: PollConfig{
			Period:  30 * time.Second,
			Workers: 0,
			Retry: RetryConfig{
				MaxAttempts:    3,
				BaseDelay:      500 * time.Millisecond,
				Multiplier:     2.0,
				MaxDelay:       5 * time.Second,
				JitterFraction: 0.5,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenDuration:     2 * time.Minute,
			},
		},
		Publisher: PublisherConfig{
			QueueCapacity:  1024,
			BatchSize:      64,
			AttemptCeiling: 10,
			RetryDelay:     2 * time.Second,
			SubjectPrefix:  "gridpulse.production",
			ConnectRetry: RetryConfig{
				MaxAttempts:    5,
				BaseDelay:      time.Second,
				Multiplier:     2.0,
				MaxDelay:       30 * time.Second,
				JitterFraction: 0.5,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 3,
				OpenDuration:     30 * time.Second,
			},
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "gridpulse",
			ConnectTimeout: 5 * time.Second,
			FlushTimeout:   5 * time.Second,
		},
		Ledger: LedgerConfig{
			ResetHour: 23,
			Timezone:  "UTC",
		},
		Storage: StorageConfig{
			Path: "/var/lib/gridpulse/ledger",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file
// at path, and the environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration, including fields the struct tags
// cannot express (timezone resolution, duplicate device IDs).
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if _, err := cfg.Ledger.Location(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("validate config: duplicate device id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// envAliases maps environment variable suffixes to koanf paths that the
// generic first-underscore rule cannot produce (nested sections whose
// leaf names themselves contain underscores).
var envAliases = map[string]string{
	"POLL_BREAKER_FAILURE_THRESHOLD":      "poll.breaker.failure_threshold",
	"POLL_BREAKER_OPEN_DURATION":          "poll.breaker.open_duration",
	"PUBLISHER_BREAKER_FAILURE_THRESHOLD": "publisher.breaker.failure_threshold",
	"PUBLISHER_BREAKER_OPEN_DURATION":     "publisher.breaker.open_duration",
	"POLL_RETRY_MAX_ATTEMPTS":             "poll.retry.max_attempts",
	"POLL_RETRY_BASE_DELAY":               "poll.retry.base_delay",
	"POLL_RETRY_MAX_DELAY":                "poll.retry.max_delay",
	"NATS_CONNECT_TIMEOUT":                "nats.connect_timeout",
	"NATS_FLUSH_TIMEOUT":                  "nats.flush_timeout",
}

// envTransform maps GRIDPULSE_SECTION_KEY to the section.key koanf path.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	if alias, ok := envAliases[key]; ok {
		return alias
	}
	key = strings.ToLower(key)

	// Section names contain no underscores, so the first underscore
	// separates section from leaf.
	parts := strings.SplitN(key, "_", 2)
	if len(parts) != 2 {
		return key
	}
	return parts[0] + "." + parts[1]
}
