// Package routing is a thin proxy in front of a GraphHopper map-matching
// instance (SPEC_FULL.md §3 supplemented feature, sourced from
// original_source/src/graphhopper/mod.rs): it forwards a GPX track to
// GraphHopper's /match endpoint and relays the matched GPX back, plus an
// admin-side GC trigger used by internal/supervisor.
package routing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

type Client struct {
	HTTP      *http.Client
	Host      string
	Port      uint16
	AdminHost string
	AdminPort uint16

	// matchSem bounds concurrent /match calls to graphhopper.rate_limit_matching;
	// nil means unbounded.
	matchSem chan struct{}
}

func New(httpClient *http.Client, host string, port uint16, adminHost string, adminPort uint16) *Client {
	return &Client{HTTP: httpClient, Host: host, Port: port, AdminHost: adminHost, AdminPort: adminPort}
}

// WithMatchConcurrency bounds MatchGPX to at most n concurrent in-flight
// requests, matching graphhopper.rate_limit_matching (SPEC_FULL.md §3).
// n <= 0 leaves the client unbounded.
func (c *Client) WithMatchConcurrency(n int) *Client {
	if n > 0 {
		c.matchSem = make(chan struct{}, n)
	}
	return c
}

// MatchGPX posts a GPX document to GraphHopper's map-matching endpoint and
// returns the matched-route GPX response.
func (c *Client) MatchGPX(ctx context.Context, gpx []byte) ([]byte, error) {
	if c.matchSem != nil {
		select {
		case c.matchSem <- struct{}{}:
			defer func() { <-c.matchSem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	url := fmt.Sprintf("http://%s:%d/match?profile=car&type=gpx", c.Host, c.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(gpx))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/gpx+xml")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routing: graphhopper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("routing: graphhopper returned status %d", resp.StatusCode)
	}
	return body, nil
}

// GC asks the GraphHopper admin endpoint to run a GC cycle, consumed by the
// periodic supervisor (spec.md §4.8).
func (c *Client) GC(ctx context.Context) error {
	url := fmt.Sprintf("http://%s:%d/admin/gc", c.AdminHost, c.AdminPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("routing: graphhopper admin gc: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("routing: graphhopper admin gc returned status %d", resp.StatusCode)
	}
	return nil
}
