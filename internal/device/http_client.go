// GridPulse - Solar Gateway Telemetry Bridge
// Copyright 2026 GridPulse contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gridpulse/gridpulse

// Package device implements the HTTP client for solar gateway devices.
//
// A gateway exposes its live data as JSON over plain HTTP on the local
// network. One client instance serves all configured devices; the
// connection pool is shared and per-call deadlines come from the caller.
package device

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gridpulse/gridpulse/internal/config"
	"github.com/gridpulse/gridpulse/internal/poller"
)

// livePath is the gateway's live production endpoint.
const livePath = "/api/live"

// maxBodySize caps the response body read. Gateway responses are a few
// kilobytes; anything larger is a misbehaving endpoint.
const maxBodySize = 1 << 20

// liveResponse is the gateway's live data payload.
type liveResponse struct {
	Serial string     `json:"serial"`
	Ports  []livePort `json:"ports"`
}

// livePort is one inverter port's counters.
type livePort struct {
	Port    int     `json:"port"`
	TodayWh float64 `json:"today_wh"`
	TotalWh float64 `json:"total_wh"`
}

// HTTPClient reads production data from gateways over HTTP.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a client with a shared connection pool. Per-call
// timeouts are enforced through the request context, not the client.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Read implements poller.DeviceClient.
func (c *HTTPClient) Read(ctx context.Context, device config.DeviceConfig) ([]poller.Reading, error) {
	url := "http://" + device.Host + ":" + strconv.Itoa(device.Port) + livePath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", device.ID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", device.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, fmt.Errorf("read %s: unexpected status %d", device.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", device.ID, err)
	}

	var live liveResponse
	if err := json.Unmarshal(body, &live); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", device.ID, err)
	}

	readings := make([]poller.Reading, 0, len(live.Ports))
	for _, port := range live.Ports {
		readings = append(readings, poller.Reading{
			ChannelID: strconv.Itoa(port.Port),
			Today:     port.TodayWh,
			Total:     port.TotalWh,
			Metadata:  map[string]string{"serial": live.Serial},
		})
	}
	return readings, nil
}
