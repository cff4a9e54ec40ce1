// Package ingest turns raw client Submissions into updated transmitter
// fingerprints (spec.md §4.7): it applies the ignore rules (LAA/locally
// administered MACs, stale or inaccurate fixes), dead-reckons each
// observation's own scan position, converts ASU to dBm where needed, and
// folds each observation into the weighted running average. Grounded on
// original_source/src/services/submission/report.rs (ignore rules) and
// original_source/src/tasks/report.rs (dead reckoning and weighting).
package ingest

import (
	"context"
	"math"
	"time"

	"github.com/eugenever/locator/internal/cache"
	"github.com/eugenever/locator/internal/geo"
	"github.com/eugenever/locator/internal/lbs"
	"github.com/eugenever/locator/internal/macaddr"
	"github.com/eugenever/locator/internal/model"
	"github.com/eugenever/locator/internal/observability"
)

// signalDropCoefficient and baseRSSI are SIGNAL_DROP_COEFFICIENT and
// BASE_RSSI from original_source/src/constants.rs, used by the weighting
// formula in weighObservation below.
const (
	signalDropCoefficient = 3.0
	baseRSSI              = -30.0
)

// Rules configures the ignore and weighting decisions spec.md §4.7 leaves
// parameterized: a LAA MAC is skipped unless LAAFilter is false, an
// observation older than MaxAgeMillis is skipped, and a whole submission is
// skipped when its GNSS fix reports an accuracy coarser than
// MaxGNSSAccuracyM, since it can't usefully pin a transmitter down.
type Rules struct {
	LAAFilter           bool
	MaxAgeMillis        int64
	MaxGNSSAccuracyM    float64
	DeadReckoningMaxAge int64   // milliseconds, beyond which dead reckoning is not attempted
	MaxDistanceCluster  float64 // meters, LBS-vs-GNSS tolerance for the AlterGeo rescue check
}

// DefaultRules mirrors original_source/src/config/config.rs's documented
// defaults.
var DefaultRules = Rules{
	LAAFilter:           true,
	MaxAgeMillis:        2 * 60 * 1000,
	MaxGNSSAccuracyM:    100,
	DeadReckoningMaxAge: 30 * 1000,
	MaxDistanceCluster:  500,
}

// CoverageRecorder is the relational store's h3 coverage-set insert,
// narrowed to the one method ingest needs (spec.md §4.7 "Coverage").
type CoverageRecorder interface {
	RecordCoverageCell(ctx context.Context, cell model.CoverageCell) error
}

// Ingestor folds Submissions into the transmitter cache. LBS and AlterGeo
// are optional: when set, a wifi observation whose cached fingerprint
// disagrees with the scan location beyond Rules.MaxDistanceCluster is
// cross-checked against AlterGeo and rescued (kept, with the cache entry
// corrected) rather than dropped, matching
// original_source/src/services/submission/report.rs::should_be_ignored.
type Ingestor struct {
	Transmitters *cache.TransmitterCache
	Rules        Rules
	LBS          *lbs.Client
	AlterGeo     *lbs.Client
	Tracks       *cache.TrackCache
	Coverage     CoverageRecorder
	H3Resolution int
}

func New(transmitters *cache.TransmitterCache, rules Rules) *Ingestor {
	return &Ingestor{Transmitters: transmitters, Rules: rules}
}

// WithLBS attaches the primary and (optional) cross-check LBS clients the
// AlterGeo rescue path consults. Left unset, shouldIgnoreWifi falls back to
// the age/LAA checks only.
func (ig *Ingestor) WithLBS(primary, crossCheck *lbs.Client) *Ingestor {
	ig.LBS = primary
	ig.AlterGeo = crossCheck
	return ig
}

// WithTrackingAndCoverage attaches the per-device track cache and the
// coverage-cell recorder, both optional (spec.md §4.7 "Track update" and
// "Coverage"). Left unset, Process skips both steps.
func (ig *Ingestor) WithTrackingAndCoverage(tracks *cache.TrackCache, coverage CoverageRecorder, h3Resolution int) *Ingestor {
	ig.Tracks = tracks
	ig.Coverage = coverage
	ig.H3Resolution = h3Resolution
	return ig
}

// Process ingests one Submission, returning the number of transmitter
// records it modified.
func (ig *Ingestor) Process(ctx context.Context, sub model.Submission) (int, error) {
	scanLat, scanLon, ok := ig.scanLocation(sub)
	if !ok {
		observability.ObserveIngestReport("skipped_no_position")
		return 0, nil
	}

	modified := 0
	for _, w := range sub.Wifi {
		if ig.shouldIgnoreWifi(ctx, w, scanLat, scanLon) {
			continue
		}
		if err := ig.foldWifi(ctx, sub, w); err != nil {
			continue
		}
		modified++
	}
	for _, c := range sub.Cell {
		if ig.shouldIgnoreCell(c) {
			continue
		}
		if err := ig.foldCell(ctx, sub, c); err != nil {
			continue
		}
		modified++
	}

	ig.updateTrack(ctx, sub, scanLat, scanLon)
	ig.recordCoverage(ctx, scanLat, scanLon)

	observability.ObserveIngestReport("ok")
	return modified, nil
}

// updateTrack appends this submission's scan location and per-MAC LBS
// fixes to the device's rolling track, when a device_id was reported and a
// track cache is wired (spec.md §4.7 "Track update").
func (ig *Ingestor) updateTrack(ctx context.Context, sub model.Submission, scanLat, scanLon float64) {
	if ig.Tracks == nil || sub.DeviceID == nil || *sub.DeviceID == "" {
		return
	}

	rec := model.TrackRecord{
		TimestampMillis: sub.TimestampMillis,
		GNSS:            &model.GNSSPoint{Lat: scanLat, Lon: scanLon},
	}
	if ig.LBS != nil {
		for _, w := range sub.Wifi {
			signal := 0
			if w.RSSI != nil {
				signal = int(*w.RSSI)
			}
			lbsRec, err := ig.LBS.Resolve(ctx, lbs.Request{Wifi: []lbs.WifiAP{{MAC: w.MAC, SignalStr: signal}}})
			if err != nil {
				continue
			}
			rssi := -90.0
			if w.RSSI != nil {
				rssi = *w.RSSI
			}
			rec.Wifi = append(rec.Wifi, model.TrackWifi{MAC: w.MAC, RSSI: rssi, GNSS: model.GNSSPoint{Lat: lbsRec.Lat, Lon: lbsRec.Lon}})
		}
	}

	if _, err := ig.Tracks.Append(ctx, *sub.DeviceID, rec); err != nil {
		observability.ObserveIngestReport("track_update_failed")
	}
}

// recordCoverage inserts the h3 cell covering the scan location into the
// coverage set (spec.md §4.7 "Coverage").
func (ig *Ingestor) recordCoverage(ctx context.Context, lat, lon float64) {
	if ig.Coverage == nil {
		return
	}
	cell, err := geo.CoverageCell(lat, lon, ig.H3Resolution)
	if err != nil {
		return
	}
	if err := ig.Coverage.RecordCoverageCell(ctx, model.CoverageCell(cell)); err != nil {
		observability.ObserveIngestReport("coverage_insert_failed")
	}
}

// scanLocation resolves the submission-level scan location: not ok when the
// GNSS fix is coarser than Rules.MaxGNSSAccuracyM; the raw fix when it has
// no age, speed or heading, or is older than Rules.DeadReckoningMaxAge;
// otherwise the fix dead-reckoned by its own age at the reported speed and
// heading.
func (ig *Ingestor) scanLocation(sub model.Submission) (lat, lon float64, ok bool) {
	p := sub.Position
	if p.Accuracy != nil && *p.Accuracy > ig.Rules.MaxGNSSAccuracyM {
		return 0, 0, false
	}

	if p.Age == nil || *p.Age == 0 || p.Speed == nil || p.Heading == nil {
		return p.Latitude, p.Longitude, true
	}
	if *p.Age > ig.Rules.DeadReckoningMaxAge {
		return p.Latitude, p.Longitude, true
	}

	// age is how much older the fix is than "now"; project forward by that
	// many seconds at the reported speed and heading. A negative distance
	// flips the projection to run the dead reckoning in reverse.
	seconds := float64(*p.Age) / 1000.0
	distance := *p.Speed * seconds
	lat, lon = geo.RhumbDestination(p.Latitude, p.Longitude, *p.Heading, distance)
	return lat, lon, true
}

func (ig *Ingestor) shouldIgnoreWifi(ctx context.Context, w model.WifiObservation, scanLat, scanLon float64) bool {
	if w.Age != nil && *w.Age > ig.Rules.MaxAgeMillis {
		return true
	}
	if ig.Rules.LAAFilter {
		mac, err := macaddr.Parse(w.MAC)
		if err == nil && mac.IsLocal() {
			return true
		}
	}
	return ig.ignoredByLBSMismatch(ctx, w, scanLat, scanLon)
}

// ignoredByLBSMismatch cross-checks a wifi observation against the primary
// LBS provider's cached fingerprint: if it agrees with the scan location
// within Rules.MaxDistanceCluster, or no primary provider is configured, the
// observation is kept. Otherwise AlterGeo gets one rescue attempt — if it
// places the AP close enough to the scan location, the primary provider's
// cache entry is corrected and the observation is still kept; if not, or no
// AlterGeo provider is configured, the observation is ignored.
func (ig *Ingestor) ignoredByLBSMismatch(ctx context.Context, w model.WifiObservation, scanLat, scanLon float64) bool {
	if ig.LBS == nil {
		return false
	}

	signal := 0
	if w.RSSI != nil {
		signal = int(*w.RSSI)
	}
	req := lbs.Request{Wifi: []lbs.WifiAP{{MAC: w.MAC, SignalStr: signal}}}

	rec, err := ig.LBS.Resolve(ctx, req)
	if err != nil {
		return true // ignore access points the primary LBS has never seen
	}
	if geo.HaversineMeters(scanLat, scanLon, rec.Lat, rec.Lon) <= ig.Rules.MaxDistanceCluster {
		return false
	}
	if ig.AlterGeo == nil {
		return true
	}

	agRec, err := ig.AlterGeo.Resolve(ctx, req)
	if err != nil || geo.HaversineMeters(scanLat, scanLon, agRec.Lat, agRec.Lon) > ig.Rules.MaxDistanceCluster {
		return true
	}
	ig.LBS.Prime(req, *agRec)
	return false
}

func (ig *Ingestor) shouldIgnoreCell(c model.CellObservation) bool {
	return c.Age != nil && *c.Age > ig.Rules.MaxAgeMillis
}

func (ig *Ingestor) foldWifi(ctx context.Context, sub model.Submission, w model.WifiObservation) error {
	mac, err := macaddr.Normalize(w.MAC)
	if err != nil {
		return err
	}
	key := model.TransmitterIdentity{Kind: model.KindWifi, MAC: mac}.Key()

	rssi := -90.0
	if w.RSSI != nil {
		rssi = *w.RSSI
	}
	lat, lon, weight, accuracy := ig.weighObservation(sub, w.Age, rssi)

	return ig.upsert(ctx, model.KindWifi, key, lat, lon, accuracy, weight, rssi)
}

func (ig *Ingestor) foldCell(ctx context.Context, sub model.Submission, c model.CellObservation) error {
	key := model.TransmitterIdentity{
		Kind: model.KindCell, Radio: c.Radio,
		Country: int16(c.MCC), Network: int16(c.MNC),
		Area: int32(c.LAC), Cell: int64(c.CID),
	}.Key()

	rssi := -90.0
	if c.SignalStrength != nil {
		rssi = *c.SignalStrength
	} else if c.ASU != nil {
		if dBm, ok := lbs.AsuToDBm(c.Radio, *c.ASU); ok {
			rssi = dBm
		}
	}
	lat, lon, weight, accuracy := ig.weighObservation(sub, c.Age, rssi)

	return ig.upsert(ctx, model.KindCell, key, lat, lon, accuracy, weight, rssi)
}

// reckonObservation dead-reckons the scan position specifically for one
// observation: its own age (how much older the radio reading is than the
// GNSS fix) gives distanceSinceScan, and the fix is moved back along the
// reported heading by that distance (forward when it is negative), grounded
// on tasks/report.rs's per-transmitter position adjustment. Without a reported speed, the raw GNSS fix is used unmodified.
func (ig *Ingestor) reckonObservation(sub model.Submission, observationAge *int64) (lat, lon, distanceSinceScan float64) {
	p := sub.Position
	lat, lon = p.Latitude, p.Longitude
	if p.Speed == nil {
		return lat, lon, 0
	}

	var positionAge, transmitterAge int64
	if p.Age != nil {
		positionAge = *p.Age
	}
	if observationAge != nil {
		transmitterAge = *observationAge
	}
	distanceSinceScan = *p.Speed * float64(transmitterAge-positionAge) / 1000.0

	if p.Heading != nil {
		lat, lon = geo.RhumbDestination(p.Latitude, p.Longitude, *p.Heading, -distanceSinceScan)
	}
	return lat, lon, distanceSinceScan
}

// weighObservation computes the dead-reckoned position and the weighted-
// average inputs for one radio observation, grounded on tasks/report.rs:
// weight is the product of a signal-strength term, an age term (the fresher
// the dead-reckoned projection, the more it counts) and a GNSS-accuracy
// term, and accuracy is the estimated distance from the transmitter plus
// whatever accuracy the GNSS fix itself reported.
func (ig *Ingestor) weighObservation(sub model.Submission, observationAge *int64, rssi float64) (lat, lon, weight, accuracy float64) {
	lat, lon, distanceSinceScan := ig.reckonObservation(sub, observationAge)

	gnssAccuracyBasis := 10.0
	var accuracyAddend float64
	if sub.Position.Accuracy != nil {
		gnssAccuracyBasis = *sub.Position.Accuracy
		accuracyAddend = *sub.Position.Accuracy
	}

	signalWeight := math.Pow(10, rssi/(10*signalDropCoefficient))
	ageWeight := math.Pow(10, -math.Abs(distanceSinceScan)/25)
	gnssAccuracyWeight := math.Pow(10, -gnssAccuracyBasis/10)
	weight = signalWeight * ageWeight * gnssAccuracyWeight

	distanceFromTransmitter := math.Pow(10, (baseRSSI-rssi)/(10*signalDropCoefficient))
	accuracy = distanceFromTransmitter + accuracyAddend
	return lat, lon, weight, accuracy
}

func (ig *Ingestor) upsert(ctx context.Context, kind model.TransmitterKind, key string, lat, lon, accuracy, weight, strength float64) error {
	existing, err := ig.Transmitters.Get(ctx, kind, key)
	if err != nil {
		existing = model.NewTransmitterLocation(key, lat, lon, accuracy, weight, strength)
		return ig.Transmitters.Put(ctx, kind, existing)
	}
	existing.Update(lat, lon, accuracy, weight, strength)
	return ig.Transmitters.Put(ctx, kind, existing)
}

// BatchTick processes a bounded slice of pending reports and reports elapsed
// duration and modification count to observability, matching the periodic
// batch supervisor from spec.md §4.8.
func BatchTick(ctx context.Context, ig *Ingestor, reports []model.Submission) (int, time.Duration) {
	start := time.Now()
	total := 0
	for _, r := range reports {
		n, err := ig.Process(ctx, r)
		if err != nil {
			continue
		}
		total += n
	}
	elapsed := time.Since(start)
	observability.ObserveIngestBatch(elapsed, total)
	return total, elapsed
}
