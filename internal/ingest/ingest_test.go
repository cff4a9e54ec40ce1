package ingest

import (
	"context"
	"math"
	"testing"

	"github.com/eugenever/locator/internal/model"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestScanLocation_UsesRawFixWhenFresh(t *testing.T) {
	ig := &Ingestor{Rules: DefaultRules}
	sub := model.Submission{Position: model.Position{Latitude: 55.0, Longitude: 37.0}}

	lat, lon, ok := ig.scanLocation(sub)
	if !ok || lat != 55.0 || lon != 37.0 {
		t.Fatalf("scanLocation = %v,%v,%v", lat, lon, ok)
	}
}

func TestScanLocation_RejectsCoarseFix(t *testing.T) {
	ig := &Ingestor{Rules: DefaultRules}
	sub := model.Submission{Position: model.Position{
		Latitude: 55.0, Longitude: 37.0, Accuracy: f64(500),
	}}

	if _, _, ok := ig.scanLocation(sub); ok {
		t.Fatal("a fix coarser than MaxGNSSAccuracyM should be rejected")
	}
}

func TestScanLocation_SkipsDeadReckoningWithoutSpeedOrHeading(t *testing.T) {
	ig := &Ingestor{Rules: DefaultRules}
	sub := model.Submission{Position: model.Position{
		Latitude: 55.0, Longitude: 37.0, Age: i64(5000),
	}}

	lat, lon, ok := ig.scanLocation(sub)
	if !ok || lat != 55.0 || lon != 37.0 {
		t.Fatalf("expected raw fix passthrough, got %v,%v,%v", lat, lon, ok)
	}
}

func TestScanLocation_SkipsDeadReckoningWhenStale(t *testing.T) {
	ig := &Ingestor{Rules: DefaultRules}
	sub := model.Submission{Position: model.Position{
		Latitude: 55.0, Longitude: 37.0,
		Age: i64(DefaultRules.DeadReckoningMaxAge + 1), Speed: f64(5), Heading: f64(90),
	}}

	lat, lon, ok := ig.scanLocation(sub)
	if !ok || lat != 55.0 || lon != 37.0 {
		t.Fatalf("stale fix should fall back to raw position, got %v,%v,%v", lat, lon, ok)
	}
}

func TestScanLocation_ProjectsForwardWhenFreshEnoughToReckon(t *testing.T) {
	ig := &Ingestor{Rules: DefaultRules}
	sub := model.Submission{Position: model.Position{
		Latitude: 55.0, Longitude: 37.0,
		Age: i64(10000), Speed: f64(10), Heading: f64(90),
	}}

	lat, lon, ok := ig.scanLocation(sub)
	if !ok {
		t.Fatal("expected dead-reckoned projection to succeed")
	}
	if math.Abs(lat-55.0) > 1 || math.Abs(lon-37.0) > 1 {
		t.Fatalf("projected point implausibly far from origin: %v,%v", lat, lon)
	}
	if lat == 55.0 && lon == 37.0 {
		t.Fatal("expected the fix to move under dead reckoning")
	}
}

func TestShouldIgnoreWifi_LAAFilter(t *testing.T) {
	ctx := context.Background()
	ig := &Ingestor{Rules: Rules{LAAFilter: true}}
	// second hex digit's low bits set the locally-administered bit.
	if !ig.shouldIgnoreWifi(ctx, model.WifiObservation{MAC: "02:00:00:00:00:00"}, 55.0, 37.0) {
		t.Error("a locally administered MAC should be ignored when LAAFilter is on")
	}
	if ig.shouldIgnoreWifi(ctx, model.WifiObservation{MAC: "00:11:22:33:44:55"}, 55.0, 37.0) {
		t.Error("a universally administered MAC should not be ignored")
	}
}

func TestShouldIgnoreWifi_StaleAge(t *testing.T) {
	ctx := context.Background()
	ig := &Ingestor{Rules: Rules{MaxAgeMillis: 1000}}
	if !ig.shouldIgnoreWifi(ctx, model.WifiObservation{MAC: "00:11:22:33:44:55", Age: i64(5000)}, 55.0, 37.0) {
		t.Error("an observation older than MaxAgeMillis should be ignored")
	}
	if ig.shouldIgnoreWifi(ctx, model.WifiObservation{MAC: "00:11:22:33:44:55", Age: i64(500)}, 55.0, 37.0) {
		t.Error("a fresh observation should not be ignored")
	}
}

func TestIgnoredByLBSMismatch_NoProviderKeepsObservation(t *testing.T) {
	ig := &Ingestor{Rules: DefaultRules}
	if ig.ignoredByLBSMismatch(context.Background(), model.WifiObservation{MAC: "00:11:22:33:44:55"}, 55.0, 37.0) {
		t.Error("without a configured LBS client the mismatch check should never ignore")
	}
}

func TestShouldIgnoreCell_StaleAge(t *testing.T) {
	ig := &Ingestor{Rules: Rules{MaxAgeMillis: 1000}}
	if !ig.shouldIgnoreCell(model.CellObservation{Age: i64(5000)}) {
		t.Error("a stale cell observation should be ignored")
	}
	if ig.shouldIgnoreCell(model.CellObservation{Age: i64(500)}) {
		t.Error("a fresh cell observation should not be ignored")
	}
}

type fakeCoverageRecorder struct {
	cells []model.CoverageCell
}

func (f *fakeCoverageRecorder) RecordCoverageCell(ctx context.Context, cell model.CoverageCell) error {
	f.cells = append(f.cells, cell)
	return nil
}

func TestRecordCoverage_InsertsCellForResolution(t *testing.T) {
	rec := &fakeCoverageRecorder{}
	ig := &Ingestor{Coverage: rec, H3Resolution: 8}
	ig.recordCoverage(context.Background(), 55.75, 37.62)
	if len(rec.cells) != 1 {
		t.Fatalf("expected one coverage cell recorded, got %d", len(rec.cells))
	}
}

func TestRecordCoverage_NoopWithoutRecorder(t *testing.T) {
	ig := &Ingestor{}
	ig.recordCoverage(context.Background(), 55.75, 37.62) // must not panic
}

func TestUpdateTrack_NoopWithoutDeviceID(t *testing.T) {
	ig := &Ingestor{}
	ig.updateTrack(context.Background(), model.Submission{}, 55.75, 37.62) // must not panic
}

func TestWeighObservation_StrongerSignalWeighsMore(t *testing.T) {
	ig := &Ingestor{}
	sub := model.Submission{Position: model.Position{Latitude: 55.0, Longitude: 37.0}}

	_, _, strong, _ := ig.weighObservation(sub, nil, -50)
	_, _, weak, _ := ig.weighObservation(sub, nil, -90)
	if strong <= weak {
		t.Errorf("a stronger signal should carry more weight: strong=%v weak=%v", strong, weak)
	}
}

func TestWeighObservation_AccuracyAddsTransmitterDistance(t *testing.T) {
	ig := &Ingestor{}
	acc := 20.0
	sub := model.Submission{Position: model.Position{Latitude: 55.0, Longitude: 37.0, Accuracy: &acc}}

	_, _, _, accuracy := ig.weighObservation(sub, nil, -90)
	if accuracy <= acc {
		t.Errorf("accuracy should add the transmitter-distance term on top of the GNSS accuracy, got %v", accuracy)
	}
}

func TestReckonObservation_OlderObservationProjectsFurther(t *testing.T) {
	ig := &Ingestor{}
	speed, heading := 10.0, 90.0
	sub := model.Submission{Position: model.Position{
		Latitude: 55.0, Longitude: 37.0, Speed: &speed, Heading: &heading,
	}}

	_, _, near := ig.reckonObservation(sub, i64(1000))
	_, _, far := ig.reckonObservation(sub, i64(10000))
	if math.Abs(far) <= math.Abs(near) {
		t.Errorf("an older observation (larger age relative to the GNSS fix) should dead-reckon further: near=%v far=%v", near, far)
	}
}

func TestReckonObservation_NoSpeedPassesThroughRawFix(t *testing.T) {
	ig := &Ingestor{}
	sub := model.Submission{Position: model.Position{Latitude: 55.0, Longitude: 37.0}}

	lat, lon, dist := ig.reckonObservation(sub, i64(5000))
	if lat != 55.0 || lon != 37.0 || dist != 0 {
		t.Fatalf("reckonObservation without speed = %v,%v,%v", lat, lon, dist)
	}
}
