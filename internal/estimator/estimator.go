// Package estimator orchestrates a single locate query end to end (spec.md
// §4.6): resolve the submitted cell towers to a cell-anchor LBS estimate,
// shortcut on a GNSS fix close enough to that anchor, otherwise resolve from
// the local cache filtered for outliers, and only fall back to individual
// per-AP LBS lookups when the local cache has nothing usable. Grounded on
// original_source/src/services/locate/geolocate_public.rs's main resolution
// pipeline.
package estimator

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/eugenever/locator/internal/cache"
	"github.com/eugenever/locator/internal/geo"
	"github.com/eugenever/locator/internal/lbs"
	"github.com/eugenever/locator/internal/model"
	"github.com/eugenever/locator/internal/observability"
	"github.com/eugenever/locator/internal/outlier"
)

// gnssShortcutRadiusMeters and signalDropCoefficient are, respectively, the
// GNSS-vs-cell-anchor agreement budget and SIGNAL_DROP_COEFFICIENT from
// geolocate_public.rs / constants.rs.
const (
	gnssShortcutRadiusMeters = 500.0
	signalDropCoefficient    = 3.0
)

// defaultWifiRSSI is substituted when a submission's wifi observation
// carries no RSSI, matching geolocate_public.rs's fallback for an absent
// signal_strength.
const defaultWifiRSSI = -90.0

// Outcome classifies how a Result was produced, mirroring the
// locator_locate_requests_total{outcome=...} label values.
type Outcome string

const (
	OutcomeGNSSShortcut Outcome = "gnss_shortcut"
	OutcomeLocalHit     Outcome = "local_hit"
	OutcomeLBSFallback  Outcome = "lbs_fallback"
	OutcomeNotFound     Outcome = "not_found"
)

var ErrNotFound = errors.New("estimator: unable to resolve a position")

// Result is the estimator's answer to a locate query.
type Result struct {
	Lat, Lon float64
	Accuracy float64
	Outcome  Outcome
}

// Params tunes the cross-check distances and clustering epsilons; these are
// sourced from config.Locator/config.YandexLBS at wiring time.
type Params struct {
	MaxDistanceInCluster float64 // meters, local-cache DBSCAN epsilon
	MaxDistanceCell      float64 // meters, cell-anchor cross-check budget
	ValidRadiusMeters    float64 // meters, TransmitterLocation.Valid bbox budget
	LBSClusterMeters     float64 // meters, LBS-response DBSCAN epsilon
	H3Resolution         int
}

type Estimator struct {
	Transmitters *cache.TransmitterCache
	LBS          *lbs.Client
	AlterGeo     *lbs.Client // optional cross-check provider, may be nil
	Params       Params
}

func New(transmitters *cache.TransmitterCache, primary, crossCheck *lbs.Client, p Params) *Estimator {
	return &Estimator{Transmitters: transmitters, LBS: primary, AlterGeo: crossCheck, Params: p}
}

// Locate resolves a position for sub, preferring (in order): a GNSS fix that
// already agrees with the submission's own cell-tower anchor, a clustered
// match against cached wifi fingerprints, and finally individual per-AP LBS
// lookups.
func (e *Estimator) Locate(ctx context.Context, sub model.Submission) (*Result, error) {
	start := time.Now()

	anchors := e.cellAnchors(ctx, sub.Cell)
	var anchor *model.LbsRecord
	if len(anchors) > 0 {
		anchor = anchors[0]
	}

	if anchor != nil && geo.HaversineMeters(anchor.Lat, anchor.Lon, sub.Position.Latitude, sub.Position.Longitude) <= gnssShortcutRadiusMeters {
		res := &Result{Lat: sub.Position.Latitude, Lon: sub.Position.Longitude, Accuracy: 0, Outcome: OutcomeGNSSShortcut}
		observability.ObserveLocate(string(res.Outcome), time.Since(start))
		return res, nil
	}

	if res, err := e.locateFromCache(ctx, sub, anchor); err == nil {
		observability.ObserveLocate(string(res.Outcome), time.Since(start))
		return res, nil
	}

	res, err := e.locateFromLBS(ctx, sub, anchor)
	if err != nil {
		observability.ObserveLocate(string(OutcomeNotFound), time.Since(start))
		return nil, ErrNotFound
	}
	observability.ObserveLocate(string(res.Outcome), time.Since(start))
	return res, nil
}

// cellAnchors resolves each submitted cell tower to its LBS-reported
// position, grounded on yandex_cell.rs's cell-only resolution used to seed
// geolocate_public.rs's anchor before any wifi work happens.
func (e *Estimator) cellAnchors(ctx context.Context, cells []model.CellObservation) []*model.LbsRecord {
	if e.LBS == nil {
		return nil
	}
	var anchors []*model.LbsRecord
	for _, c := range cells {
		rec, err := e.LBS.Resolve(ctx, lbs.Request{Cell: []lbs.Cell{{
			CountryCode: int(c.MCC), OperatorID: int(c.MNC),
			CellID: int(c.CID), LAC: int(c.LAC),
		}}})
		if err != nil {
			continue
		}
		anchors = append(anchors, rec)
	}
	return anchors
}

// wifiRSSI returns the submission's reported RSSI for mac, or
// defaultWifiRSSI if the AP wasn't present or carried no signal strength.
func wifiRSSI(sub model.Submission, mac string) float64 {
	for _, w := range sub.Wifi {
		if w.MAC == mac {
			if w.RSSI != nil {
				return *w.RSSI
			}
			break
		}
	}
	return defaultWifiRSSI
}

// wifiLookup adapts the LBS client into an outlier.LBSLookup for the
// local-cache filter's N=1/N=2 cross-checks, using a synthetic signal
// strength since the filter only cares about the resolved position.
func (e *Estimator) wifiLookup(ctx context.Context) outlier.LBSLookup {
	if e.LBS == nil {
		return nil
	}
	return func(mac string) (*model.LbsRecord, error) {
		return e.LBS.Resolve(ctx, lbs.Request{Wifi: []lbs.WifiAP{{MAC: mac, SignalStr: -70}}})
	}
}

func (e *Estimator) locateFromCache(ctx context.Context, sub model.Submission, anchor *model.LbsRecord) (*Result, error) {
	var candidates []outlier.Candidate

	for _, w := range sub.Wifi {
		key := model.TransmitterIdentity{Kind: model.KindWifi, MAC: w.MAC}.Key()
		loc, err := e.Transmitters.Get(ctx, model.KindWifi, key)
		if err != nil {
			continue
		}
		if !loc.Valid(geo.HaversineMeters, e.Params.ValidRadiusMeters) {
			continue
		}
		candidates = append(candidates, outlier.Candidate{Key: key, Location: loc})
	}

	if len(candidates) == 0 {
		return nil, ErrNotFound
	}

	kept := outlier.FilterLocalCache(candidates, anchor, e.Params.MaxDistanceInCluster, e.Params.MaxDistanceCell, e.wifiLookup(ctx))
	if len(kept) == 0 {
		return nil, ErrNotFound
	}

	var sumLat, sumLon, sumWeight, sumAccuracy float64
	for _, c := range kept {
		rssi := wifiRSSI(sub, c.Key)
		w := math.Pow(10, rssi/(10*signalDropCoefficient))
		sumLat += c.Location.Lat * w
		sumLon += c.Location.Lon * w
		sumAccuracy += c.Location.Accuracy * w
		sumWeight += w
	}
	if sumWeight <= 0 {
		return nil, ErrNotFound
	}

	return &Result{
		Lat: sumLat / sumWeight, Lon: sumLon / sumWeight,
		Accuracy: sumAccuracy / sumWeight, Outcome: OutcomeLocalHit,
	}, nil
}

func (e *Estimator) locateFromLBS(ctx context.Context, sub model.Submission, anchor *model.LbsRecord) (*Result, error) {
	if e.LBS == nil || len(sub.Wifi) == 0 {
		return nil, ErrNotFound
	}

	var responses []outlier.LBSCandidate
	for _, w := range sub.Wifi {
		sig := 0
		if w.RSSI != nil {
			sig = int(*w.RSSI)
		}
		rec, err := e.LBS.Resolve(ctx, lbs.Request{Wifi: []lbs.WifiAP{{MAC: w.MAC, SignalStr: sig}}})
		if err != nil {
			continue
		}
		responses = append(responses, outlier.LBSCandidate{MAC: w.MAC, Record: rec})
	}
	if len(responses) == 0 {
		return nil, ErrNotFound
	}

	kept := outlier.FilterLBSResponses(responses, anchor, e.Params.LBSClusterMeters, e.Params.MaxDistanceCell)
	primary, ok := outlier.EstimateFromLBSResponses(kept)
	if !ok {
		return nil, ErrNotFound
	}

	if e.AlterGeo != nil {
		req := lbs.Request{}
		for _, w := range sub.Wifi {
			req.Wifi = append(req.Wifi, lbs.WifiAP{MAC: w.MAC})
		}
		crossCheck, err := e.AlterGeo.Resolve(ctx, req)
		if err == nil && !outlier.ConsistentWithCrossCheck(primary, crossCheck, e.Params.MaxDistanceCell) {
			return nil, ErrNotFound
		}
	}

	return &Result{Lat: primary.Lat, Lon: primary.Lon, Accuracy: primary.Accuracy, Outcome: OutcomeLBSFallback}, nil
}

// CoverageCellFor returns the h3 cell index covering a resolved result, used
// to update coverage-seen metrics and the archive's coverage export.
func CoverageCellFor(res *Result, resolution int) (model.CoverageCell, error) {
	c, err := geo.CoverageCell(res.Lat, res.Lon, resolution)
	if err != nil {
		return 0, err
	}
	return model.CoverageCell(c), nil
}
