// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validConfig returns the defaults plus one device, which is the
// minimum a valid configuration needs.
func validConfig() Config {
	cfg := Default()
	cfg.Devices = []DeviceConfig{{
		ID:      "dtu-1",
		Host:    "192.168.1.50",
		Port:    8080,
		Timeout: 5 * time.Second,
	}}
	return cfg
}

// TestValidate_AcceptsDefaultsWithDevice verifies the built-in defaults
// pass validation once a device is configured
func TestValidate_AcceptsDefaultsWithDevice(t *testing.T) {
	cfg := validConfig()
	if err := Validate(&cfg); err != nil {
		t.Errorf("Validate rejected defaults: %v", err)
	}
}

// TestValidate_RequiresDevices verifies a configuration without devices
// is rejected
func TestValidate_RequiresDevices(t *testing.T) {
	cfg := Default()
	if err := Validate(&cfg); err == nil {
		t.Error("Validate accepted a configuration with no devices")
	}
}

// TestValidate_RejectsBadTimezone verifies an unresolvable timezone is
// a fatal configuration error
func TestValidate_RejectsBadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Timezone = "Mars/Olympus_Mons"
	if err := Validate(&cfg); err == nil {
		t.Error("Validate accepted an invalid timezone")
	}
}

// TestValidate_RejectsBadResetHour verifies the reset hour range check
func TestValidate_RejectsBadResetHour(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.ResetHour = 24
	if err := Validate(&cfg); err == nil {
		t.Error("Validate accepted reset hour 24")
	}
}

// TestValidate_RejectsDuplicateDeviceIDs verifies device IDs must be
// unique
func TestValidate_RejectsDuplicateDeviceIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Devices = append(cfg.Devices, cfg.Devices[0])
	if err := Validate(&cfg); err == nil {
		t.Error("Validate accepted duplicate device IDs")
	}
}

// TestLoad_FileOverridesDefaults verifies the YAML layer overrides the
// built-in defaults
func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
poll:
  period: 15s
ledger:
  reset_hour: 22
  timezone: Europe/Berlin
devices:
  - id: dtu-1
    host: 192.168.1.50
    port: 8080
    timeout: 5s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.Period != 15*time.Second {
		t.Errorf("Poll period %v, want 15s", cfg.Poll.Period)
	}
	if cfg.Ledger.ResetHour != 22 {
		t.Errorf("Reset hour %d, want 22", cfg.Ledger.ResetHour)
	}
	if cfg.Ledger.Timezone != "Europe/Berlin" {
		t.Errorf("Timezone %q, want Europe/Berlin", cfg.Ledger.Timezone)
	}
	// Untouched sections keep their defaults.
	if cfg.Publisher.QueueCapacity != Default().Publisher.QueueCapacity {
		t.Errorf("Queue capacity %d changed unexpectedly", cfg.Publisher.QueueCapacity)
	}
}

// TestLoad_EnvOverridesFile verifies environment variables win over the
// file layer
func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
ledger:
  timezone: UTC
devices:
  - id: dtu-1
    host: 192.168.1.50
    port: 8080
    timeout: 5s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GRIDPULSE_LEDGER_TIMEZONE", "Europe/Berlin")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.Timezone != "Europe/Berlin" {
		t.Errorf("Timezone %q, want env override Europe/Berlin", cfg.Ledger.Timezone)
	}
}

// TestLoad_RejectsInvalidFile verifies a failing validation aborts Load
func TestLoad_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
ledger:
  timezone: Not/AZone
devices:
  - id: dtu-1
    host: 192.168.1.50
    port: 8080
    timeout: 5s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted an invalid timezone")
	}
}

// TestEnvTransform verifies the variable-to-path mapping, including the
// nested aliases
func TestEnvTransform(t *testing.T) {
	cases := map[string]string{
		"GRIDPULSE_LOGGING_LEVEL":                  "logging.level",
		"GRIDPULSE_LEDGER_RESET_HOUR":              "ledger.reset_hour",
		"GRIDPULSE_NATS_URL":                       "nats.url",
		"GRIDPULSE_POLL_BREAKER_FAILURE_THRESHOLD": "poll.breaker.failure_threshold",
		"GRIDPULSE_NATS_CONNECT_TIMEOUT":           "nats.connect_timeout",
	}
	for in, want := range cases {
		if got := envTransform(in); got != want {
			t.Errorf("envTransform(%q) = %q, want %q", in, got, want)
		}
	}
}
