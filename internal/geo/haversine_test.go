package geo

import (
	"math"
	"testing"
)

func TestHaversineZeroForSamePoint(t *testing.T) {
	d := HaversineMeters(55.75, 37.62, 55.75, 37.62)
	if math.Abs(d) > 1e-6 {
		t.Fatalf("expected ~0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Moscow Kremlin to Red Square, roughly 300m apart.
	d := HaversineMeters(55.7520, 37.6175, 55.7539, 37.6208)
	if d < 200 || d > 1200 {
		t.Fatalf("expected a few hundred meters, got %f", d)
	}
}
