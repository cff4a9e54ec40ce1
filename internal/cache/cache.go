// Package cache is locator's geospatial cache: transmitter fingerprints and
// device tracks stored in Tile38 collections, addressed through t38cmd so
// every operation rides the supervisor's failover retry policy. Grounded on
// original_source/src/db/t38/mod.rs (transmitter SET/FSET/GET) and
// original_source/src/db/t38/track.rs (device:whoosh JSET/JGET).
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eugenever/locator/internal/model"
	"github.com/eugenever/locator/internal/t38cmd"
)

const (
	collectionCell      = "cell"
	collectionWifi      = "wifi"
	collectionBluetooth = "bluetooth"
	collectionTracks    = "device:whoosh"
)

// TransmitterCache stores one TransmitterLocation per radio fingerprint key,
// keyed within a collection selected by model.TransmitterKind.
type TransmitterCache struct {
	exec *t38cmd.Executor
}

func NewTransmitterCache(exec *t38cmd.Executor) *TransmitterCache {
	return &TransmitterCache{exec: exec}
}

func collectionFor(kind model.TransmitterKind) string {
	switch kind {
	case model.KindCell:
		return collectionCell
	case model.KindWifi:
		return collectionWifi
	case model.KindBluetooth:
		return collectionBluetooth
	default:
		return collectionCell
	}
}

// Get loads the cached location for key, or t38cmd.ErrNotFound if absent.
func (c *TransmitterCache) Get(ctx context.Context, kind model.TransmitterKind, key string) (*model.TransmitterLocation, error) {
	v, err := c.exec.Query(ctx, "GET", collectionFor(kind), key, "WITHFIELDS")
	if err != nil {
		return nil, err
	}
	return parseTransmitterReply(key, v)
}

// Put persists loc, setting both its point geometry and its scalar fields.
func (c *TransmitterCache) Put(ctx context.Context, kind model.TransmitterKind, loc *model.TransmitterLocation) error {
	collection := collectionFor(kind)
	if err := c.exec.Exec(ctx, "SET", collection, loc.Key, "POINT", loc.Lat, loc.Lon); err != nil {
		return err
	}
	fields := []interface{}{
		"FSET", collection, loc.Key,
		"accuracy", loc.Accuracy,
		"total_weight", loc.TotalWeight,
		"min_strength", loc.MinStrength,
		"max_strength", loc.MaxStrength,
		"min_lat", loc.Bounds.MinLat,
		"min_lon", loc.Bounds.MinLon,
		"max_lat", loc.Bounds.MaxLat,
		"max_lon", loc.Bounds.MaxLon,
	}
	return c.exec.Exec(ctx, fields...)
}

// GetMany resolves several keys within one collection via a single
// pipeline.
func (c *TransmitterCache) GetMany(ctx context.Context, kind model.TransmitterKind, keys []string) (map[string]*model.TransmitterLocation, error) {
	collection := collectionFor(kind)
	cmds := make([]t38cmd.PipelineCmd, len(keys))
	for i, k := range keys {
		cmds[i] = t38cmd.PipelineCmd{Args: []interface{}{"GET", collection, k, "WITHFIELDS"}}
	}
	results, err := c.exec.QueryPipeline(ctx, cmds)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.TransmitterLocation, len(keys))
	for i, r := range results {
		if r == nil {
			continue
		}
		loc, err := parseTransmitterReply(keys[i], r)
		if err != nil {
			continue
		}
		out[keys[i]] = loc
	}
	return out, nil
}

// parseTransmitterReply decodes a Tile38 "GET ... WITHFIELDS" reply of the
// shape {"object":{"type":"Point","coordinates":[lon,lat]},"fields":{...}}.
func parseTransmitterReply(key string, v interface{}) (*model.TransmitterLocation, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cache: unexpected GET reply type for %q", key)
	}
	var raw struct {
		Object struct {
			Coordinates [2]float64 `json:"coordinates"`
		} `json:"object"`
		Fields struct {
			Accuracy    float64 `json:"accuracy"`
			TotalWeight float64 `json:"total_weight"`
			MinStrength float64 `json:"min_strength"`
			MaxStrength float64 `json:"max_strength"`
			MinLat      float64 `json:"min_lat"`
			MinLon      float64 `json:"min_lon"`
			MaxLat      float64 `json:"max_lat"`
			MaxLon      float64 `json:"max_lon"`
		} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("cache: decode GET reply for %q: %w", key, err)
	}
	return &model.TransmitterLocation{
		Key:         key,
		Lon:         raw.Object.Coordinates[0],
		Lat:         raw.Object.Coordinates[1],
		Accuracy:    raw.Fields.Accuracy,
		TotalWeight: raw.Fields.TotalWeight,
		MinStrength: raw.Fields.MinStrength,
		MaxStrength: raw.Fields.MaxStrength,
		Bounds: model.Bounds{
			MinLat: raw.Fields.MinLat, MinLon: raw.Fields.MinLon,
			MaxLat: raw.Fields.MaxLat, MaxLon: raw.Fields.MaxLon,
		},
	}, nil
}

// TrackCache stores a rolling window of a device's recent GNSS/wifi
// observations as one JSON document per device, in the device:whoosh
// collection, addressed via Tile38's JSET/JGET.
type TrackCache struct {
	exec *t38cmd.Executor
}

func NewTrackCache(exec *t38cmd.Executor) *TrackCache {
	return &TrackCache{exec: exec}
}

func (c *TrackCache) Get(ctx context.Context, deviceID string) (*model.DeviceTrack, error) {
	v, err := c.exec.Query(ctx, "JGET", collectionTracks, deviceID, "records")
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("cache: unexpected JGET reply type for %q", deviceID)
	}
	var records []model.TrackRecord
	if err := json.Unmarshal([]byte(s), &records); err != nil {
		return nil, fmt.Errorf("cache: decode track for %q: %w", deviceID, err)
	}
	return &model.DeviceTrack{DeviceID: deviceID, Records: records}, nil
}

func (c *TrackCache) Put(ctx context.Context, track *model.DeviceTrack) error {
	b, err := json.Marshal(track.Records)
	if err != nil {
		return err
	}
	return c.exec.Exec(ctx, "JSET", collectionTracks, track.DeviceID, "records", string(b))
}

// Append loads the existing track (if any), appends r, evicts beyond the
// rolling window, and persists the result.
func (c *TrackCache) Append(ctx context.Context, deviceID string, r model.TrackRecord) (*model.DeviceTrack, error) {
	track, err := c.Get(ctx, deviceID)
	if err != nil {
		track = &model.DeviceTrack{DeviceID: deviceID}
	}
	track.Append(r)
	if err := c.Put(ctx, track); err != nil {
		return nil, err
	}
	return track, nil
}
