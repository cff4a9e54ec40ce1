// Package outlier implements the two outlier filters from spec.md §4.5: one
// that discards cached transmitter fingerprints too far from the bulk of a
// candidate set (local-cache filter), and one that discards LBS responses
// inconsistent with a cell-tower anchor or with each other (LBS-response
// filter). Checking an LBS response against a cross-check provider or the
// device's own recent track is done by the separate ConsistentWithCrossCheck
// and ConsistentWithTrack helpers, which FilterLBSResponses does not call.
// Grounded on
// original_source/src/services/locate/dbscan/outlier.rs (local-cache filter)
// and original_source/src/lbs/yandex.rs's detect_yandex_outliers and
// check_point_by_track (LBS-response filter), reusing internal/geo's DBSCAN
// and Haversine primitives the same way the Rust code reuses its own dbscan
// module.
package outlier

import (
	"math"

	"github.com/eugenever/locator/internal/geo"
	"github.com/eugenever/locator/internal/model"
)

// maxScooterSpeedKPH and maxTrackDistanceM are MAX_SCOOTER_SPEED and
// MAX_DISTANCE from original_source/src/constants.rs, used by
// ConsistentWithTrack.
const (
	maxScooterSpeedKPH = 25.0
	maxTrackDistanceM  = 60000.0
)

// Candidate pairs a cached wifi transmitter with the MAC (its cache key) the
// LBS lookups in the N=1/N=2 branches below cross-check it against.
type Candidate struct {
	Key      string
	Location *model.TransmitterLocation
}

// LBSLookup resolves one candidate's MAC to the LBS provider's independent
// estimate for it, used only by the N=1/N=2 branches of FilterLocalCache. A
// nil LBSLookup means the provider is disabled: the LBS cross-checks in
// those branches are skipped, matching CONFIG.yandex_lbs.enabled in the
// source.
type LBSLookup func(mac string) (*model.LbsRecord, error)

// FilterLocalCache discards cached wifi candidates that disagree with the
// cell-tower anchor or an individual LBS cross-check, grounded on
// dbscan/outlier.rs::detect_outliers. The exact check depends on how many
// candidates there are:
//
//   - 0 or 1: the lone candidate is dropped if it's further than
//     maxDistanceCell from the cell anchor, or if an LBS lookup for its MAC
//     lands more than 2*maxDistanceInCluster away.
//   - 2: if the pair already agrees within maxDistanceInCluster, both are
//     kept outright. Otherwise each is cross-checked against an individual
//     LBS lookup (cell anchor and 2*maxDistanceInCluster budgets as above);
//     if neither disagrees, DBSCAN with minPts=1 makes the final call.
//   - 3+: candidates further than maxDistanceCell from the cell anchor are
//     pre-excluded (unless that would exclude everyone, in which case the
//     anchor is assumed wrong and ignored), then DBSCAN with minPts=0 over
//     the rest; only the largest cluster survives.
func FilterLocalCache(candidates []Candidate, cellAnchor *model.LbsRecord, maxDistanceInCluster, maxDistanceCell float64, lookup LBSLookup) []Candidate {
	n := len(candidates)
	if n == 0 {
		return candidates
	}

	if n == 1 {
		c := candidates[0]
		if cellAnchor != nil && distanceTo(c.Location.Lat, c.Location.Lon, cellAnchor) > maxDistanceCell {
			return nil
		}
		if lookup == nil {
			return candidates
		}
		if rec, err := lookup(c.Key); err == nil {
			if geo.HaversineMeters(c.Location.Lat, c.Location.Lon, rec.Lat, rec.Lon) > 2*maxDistanceInCluster {
				return nil
			}
		}
		return candidates
	}

	if n == 2 {
		d := geo.HaversineMeters(
			candidates[0].Location.Lat, candidates[0].Location.Lon,
			candidates[1].Location.Lat, candidates[1].Location.Lon,
		)
		if d <= maxDistanceInCluster || lookup == nil {
			return candidates
		}

		var survivors []Candidate
		anyOutlier := false
		for _, c := range candidates {
			rec, err := lookup(c.Key)
			if err != nil {
				survivors = append(survivors, c)
				continue
			}
			outlierHit := geo.HaversineMeters(c.Location.Lat, c.Location.Lon, rec.Lat, rec.Lon) > 2*maxDistanceInCluster
			if cellAnchor != nil && distanceTo(c.Location.Lat, c.Location.Lon, cellAnchor) > maxDistanceCell {
				outlierHit = true
			}
			if outlierHit {
				anyOutlier = true
				continue
			}
			survivors = append(survivors, c)
		}
		if anyOutlier {
			return survivors
		}

		pts := []geo.Point{
			{ID: 0, Lat: candidates[0].Location.Lat, Lon: candidates[0].Location.Lon},
			{ID: 1, Lat: candidates[1].Location.Lat, Lon: candidates[1].Location.Lon},
		}
		result := geo.DBSCAN(pts, maxDistanceInCluster, 1)
		if len(result.Noise) == 0 {
			return candidates
		}
		noise := map[int]bool{}
		for _, p := range result.Noise {
			noise[p.ID] = true
		}
		var kept []Candidate
		for i, c := range candidates {
			if !noise[i] {
				kept = append(kept, c)
			}
		}
		return kept
	}

	pts := make([]geo.Point, n)
	for i, c := range candidates {
		pts[i] = geo.Point{ID: i, Lat: c.Location.Lat, Lon: c.Location.Lon}
	}
	survivors := mainClusterIDs(pts, cellAnchor, maxDistanceCell, maxDistanceInCluster)
	var kept []Candidate
	for i, c := range candidates {
		if survivors[i] {
			kept = append(kept, c)
		}
	}
	return kept
}

// LBSCandidate pairs a MAC with the LBS provider's independent estimate for
// it.
type LBSCandidate struct {
	MAC    string
	Record *model.LbsRecord
}

// FilterLBSResponses discards LBS responses inconsistent with the cell-tower
// anchor or with each other, grounded on lbs/yandex.rs::detect_yandex_outliers.
// Branches mirror FilterLocalCache's N=1/N=2/3+ structure, but there is no
// individual-lookup fallback (every candidate already came from the
// provider): a disagreeing pair with no cell anchor to arbitrate is dropped
// entirely rather than kept.
func FilterLBSResponses(candidates []LBSCandidate, cellAnchor *model.LbsRecord, maxDistanceInCluster, maxDistanceCell float64) []LBSCandidate {
	n := len(candidates)
	if n == 0 {
		return candidates
	}

	if n == 1 {
		if cellAnchor == nil {
			return candidates
		}
		c := candidates[0]
		if distanceTo(c.Record.Lat, c.Record.Lon, cellAnchor) > maxDistanceCell {
			return nil
		}
		return candidates
	}

	if n == 2 {
		d := geo.HaversineMeters(
			candidates[0].Record.Lat, candidates[0].Record.Lon,
			candidates[1].Record.Lat, candidates[1].Record.Lon,
		)
		if d <= maxDistanceInCluster {
			return candidates
		}
		if cellAnchor == nil {
			return nil // without base-station data to arbitrate, both are dropped
		}
		var survivors []LBSCandidate
		for _, c := range candidates {
			if distanceTo(c.Record.Lat, c.Record.Lon, cellAnchor) <= maxDistanceCell {
				survivors = append(survivors, c)
			}
		}
		return survivors
	}

	pts := make([]geo.Point, n)
	for i, c := range candidates {
		pts[i] = geo.Point{ID: i, Lat: c.Record.Lat, Lon: c.Record.Lon}
	}
	survivors := mainClusterIDs(pts, cellAnchor, maxDistanceCell, maxDistanceInCluster)
	var kept []LBSCandidate
	for i, c := range candidates {
		if survivors[i] {
			kept = append(kept, c)
		}
	}
	return kept
}

// mainClusterIDs implements the shared 3+-candidate tail of both filters:
// pre-exclude points too far from the cell anchor (unless that excludes
// everyone), DBSCAN the rest with minPts=0, and keep only the largest
// cluster's point IDs.
func mainClusterIDs(points []geo.Point, anchor *model.LbsRecord, maxDistanceCell, epsilon float64) map[int]bool {
	included := points
	if anchor != nil {
		var kept []geo.Point
		for _, p := range points {
			if distanceTo(p.Lat, p.Lon, anchor) <= maxDistanceCell {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			included = kept
		}
		// else: every point was outside the anchor's service area; assume
		// the anchor itself is wrong and fall back to clustering everyone.
	}

	result := geo.DBSCAN(included, epsilon, 0)
	survivors := map[int]bool{}
	if largest := result.LargestCluster(); largest != -1 {
		for _, p := range result.Clusters[largest] {
			survivors[p.ID] = true
		}
	}
	return survivors
}

func distanceTo(lat, lon float64, rec *model.LbsRecord) float64 {
	return geo.HaversineMeters(lat, lon, rec.Lat, rec.Lon)
}

// EstimateFromLBSResponses combines surviving LBS responses into a single
// estimate, grounded on lbs/yandex.rs::estimate_location_by_yandex_responses:
// each response is weighted by the inverse of its own reported accuracy, and
// the combined accuracy is the tightest (smallest) of the inputs.
func EstimateFromLBSResponses(candidates []LBSCandidate) (*model.LbsRecord, bool) {
	var latWeight, lonWeight, totalWeight float64
	accuracy := math.MaxFloat64
	for _, c := range candidates {
		if c.Record == nil || c.Record.Accuracy <= 0 {
			continue
		}
		w := 1.0 / c.Record.Accuracy
		latWeight += c.Record.Lat * w
		lonWeight += c.Record.Lon * w
		totalWeight += w
		if c.Record.Accuracy < accuracy {
			accuracy = c.Record.Accuracy
		}
	}
	if totalWeight <= 0 || latWeight <= 0 || lonWeight <= 0 {
		return nil, false
	}
	return &model.LbsRecord{Lat: latWeight / totalWeight, Lon: lonWeight / totalWeight, Accuracy: accuracy}, true
}

// ConsistentWithCrossCheck reports whether an LBS response is within
// maxDistanceMeters of a second provider's independent estimate for the
// same request. A nil crossCheck means no cross-check was available, and
// the response passes by default.
func ConsistentWithCrossCheck(primary, crossCheck *model.LbsRecord, maxDistanceMeters float64) bool {
	if crossCheck == nil {
		return true
	}
	d := geo.HaversineMeters(primary.Lat, primary.Lon, crossCheck.Lat, crossCheck.Lon)
	return d <= maxDistanceMeters
}

// ConsistentWithTrack reports whether an LBS response is plausible given the
// device's most recent known fix: the allowed jump is capped at
// maxScooterSpeedKPH sustained for elapsedSeconds, itself capped at
// maxTrackDistanceM, grounded on lbs/yandex.rs::check_point_by_track.
func ConsistentWithTrack(candidate *model.LbsRecord, lastFix model.GNSSPoint, elapsedSeconds float64) bool {
	if elapsedSeconds <= 0 {
		return true
	}
	elapsedHours := elapsedSeconds / 3600.0
	dMax := math.Min(maxTrackDistanceM, maxScooterSpeedKPH*elapsedHours*1000.0)
	d := geo.HaversineMeters(candidate.Lat, candidate.Lon, lastFix.Lat, lastFix.Lon)
	return d <= dMax
}
