// Package lbs is the outbound client for external Location-Based Services
// (Yandex-shaped primary provider, AlterGeo cross-check), grounded on
// original_source/src/lbs/yandex.rs (retry policy, key quarantine) and
// original_source/src/services/submission/report.rs (ASU-to-dBm conversion).
package lbs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eugenever/locator/internal/lks"
	"github.com/eugenever/locator/internal/model"
	"github.com/eugenever/locator/internal/observability"
)

const (
	countAttempts = 5
	retryDelay    = 1 * time.Second

	// cacheSize and cacheTTL bound the in-process LRU sitting in front of the
	// provider's HTTP endpoint: a batch of submissions for the same MAC/cell set
	// arriving within a few seconds shouldn't each round-trip to the LBS
	// provider.
	cacheSize = 4096
	cacheTTL  = 30 * time.Second
)

type cachedRecord struct {
	rec     model.LbsRecord
	expires time.Time
}

// Client calls a Yandex-shaped LBS endpoint through a key scheduler,
// applying the exact status-code policy observed in yandex.rs:
//   - 200: success.
//   - 403: the key is exhausted/invalid, quarantine it and fail this call.
//   - 429, 500, 504: transient, retry up to countAttempts times with a
//     fixed delay, then fail.
//   - any other non-200: fail immediately.
//   - transport error (no response at all): fail immediately.
type Client struct {
	HTTP     *http.Client
	URL      string
	Provider string
	Keys     *lks.Scheduler

	cacheMu sync.Mutex
	cache   *lru.Cache[string, cachedRecord]
}

func New(httpClient *http.Client, url, provider string, keys *lks.Scheduler) *Client {
	cache, _ := lru.New[string, cachedRecord](cacheSize)
	return &Client{HTTP: httpClient, URL: url, Provider: provider, Keys: keys, cache: cache}
}

// Request is the outbound geolocation-by-fingerprint payload.
type Request struct {
	Wifi []WifiAP `json:"wifi_networks,omitempty"`
	Cell []Cell   `json:"cell_towers,omitempty"`
}

type WifiAP struct {
	MAC       string `json:"mac"`
	SignalStr int    `json:"signal_strength,omitempty"`
}

type Cell struct {
	CountryCode int `json:"countrycode"`
	OperatorID  int `json:"operatorid"`
	CellID      int `json:"cellid"`
	LAC         int `json:"lac"`
	SignalStr   int `json:"signal_strength,omitempty"`
}

// Response is the inbound fingerprint-resolution result.
type Response struct {
	Position struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Accuracy  float64 `json:"accuracy"`
	} `json:"position"`
}

// ErrQuarantined means the call failed because every available key is
// currently quarantined.
var ErrQuarantined = fmt.Errorf("lbs: all api keys quarantined")

// ErrRequestFailed is returned for non-retryable and exhausted-retry cases.
var ErrRequestFailed = fmt.Errorf("lbs: request failed")

// Resolve asks the LBS provider to resolve req into a position estimate,
// serving a recent identical lookup from an in-process LRU before spending
// a round trip and a rate-limited key on it.
func (c *Client) Resolve(ctx context.Context, req Request) (*model.LbsRecord, error) {
	key := requestKey(req)
	if rec, ok := c.cacheGet(key); ok {
		out := rec
		return &out, nil
	}

	rec, err := c.resolveUncached(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cachePut(key, *rec)
	return rec, nil
}

func (c *Client) cacheGet(key string) (model.LbsRecord, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	entry, ok := c.cache.Get(key)
	if !ok || time.Now().After(entry.expires) {
		return model.LbsRecord{}, false
	}
	return entry.rec, true
}

func (c *Client) cachePut(key string, rec model.LbsRecord) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache.Add(key, cachedRecord{rec: rec, expires: time.Now().Add(cacheTTL)})
}

// Prime overwrites the cached answer for req, used by the ingestor's
// AlterGeo rescue path (SPEC_FULL.md §3) to correct a primary-provider
// record once a cross-check lookup has placed it closer to the reporting
// GNSS fix.
func (c *Client) Prime(req Request, rec model.LbsRecord) {
	c.cachePut(requestKey(req), rec)
}

// requestKey builds a stable cache key from the fingerprint set; order is
// preserved as built by the caller since a submission's observation order
// is itself stable within one request.
func requestKey(req Request) string {
	var b strings.Builder
	for _, w := range req.Wifi {
		b.WriteString("w:")
		b.WriteString(w.MAC)
		b.WriteByte(';')
	}
	for _, c := range req.Cell {
		b.WriteString("c:")
		b.WriteString(strconv.Itoa(c.CountryCode))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(c.OperatorID))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(c.LAC))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(c.CellID))
		b.WriteByte(';')
	}
	return b.String()
}

func (c *Client) resolveUncached(ctx context.Context, req Request) (*model.LbsRecord, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < countAttempts; attempt++ {
		key, err := c.Keys.NextKey(ctx)
		if err != nil {
			return nil, ErrQuarantined
		}

		start := time.Now()
		resp, err := c.doRequest(ctx, key, body)
		if err != nil {
			observability.ObserveLBS(c.Provider, "transport_error", time.Since(start))
			return nil, ErrRequestFailed
		}

		status := resp.StatusCode
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		observability.ObserveLBS(c.Provider, fmt.Sprintf("%d", status), time.Since(start))

		switch {
		case status == http.StatusOK:
			var out Response
			if err := json.Unmarshal(respBody, &out); err != nil {
				return nil, fmt.Errorf("lbs: decode response: %w", err)
			}
			return &model.LbsRecord{
				Lat:      out.Position.Latitude,
				Lon:      out.Position.Longitude,
				Accuracy: out.Position.Accuracy,
				Source:   c.Provider,
			}, nil

		case status == http.StatusForbidden:
			c.Keys.Quarantine(ctx, key)
			return nil, ErrRequestFailed

		case status == http.StatusTooManyRequests || status == http.StatusInternalServerError || status == http.StatusGatewayTimeout:
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue

		default:
			return nil, ErrRequestFailed
		}
	}
	return nil, ErrRequestFailed
}

func (c *Client) doRequest(ctx context.Context, apiKey string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	q := req.URL.Query()
	q.Set("api_key", apiKey)
	req.URL.RawQuery = q.Encode()
	return c.HTTP.Do(req)
}

// Probe satisfies lks.Prober: a quarantined key is reactivated only once a
// tiny request against it comes back exactly 200 (tasks/yandex.rs's hourly
// reactivation sweep treats every other status, including 429/5xx, as still
// quarantined).
func (c *Client) Probe(ctx context.Context, key string) bool {
	body, _ := json.Marshal(Request{})
	resp, err := c.doRequest(ctx, key, body)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// AsuToDBm converts a radio-specific ASU value to dBm, grounded on
// services/submission/report.rs's Cell::signal_strength conversion table.
// asu == 99 means the client didn't report a usable signal strength.
func AsuToDBm(radio model.CellRadio, asu int) (float64, bool) {
	if asu == 99 {
		return 0, false
	}
	switch radio {
	case model.RadioWCDMA:
		return float64(asu) - 120, true
	case model.RadioLTE, model.RadioNR:
		return float64(asu) - 140, true
	default: // GSM
		return 2*float64(asu) - 113, true
	}
}
