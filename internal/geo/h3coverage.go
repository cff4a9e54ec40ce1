package geo

import (
	"fmt"

	h3 "github.com/uber/h3-go/v4"
)

// CoverageCell converts a GNSS point into the h3 cell index at res,
// grounded on process.rs's `h3o::LatLng::new(lat, lon).to_cell(res)` and
// adapted from the teacher's internal/mapper/h3 package (which polyfills
// areas; here a single point is converted, per spec.md §4.7 "Convert GNSS
// to an h3 index at the configured resolution").
func CoverageCell(lat, lon float64, res int) (uint64, error) {
	if res < 0 || res > 15 {
		return 0, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	cell := h3.LatLng{Lat: lat, Lng: lon}.Cell(res)
	if !cell.IsValid() {
		return 0, fmt.Errorf("h3: invalid cell for (%f, %f) at res %d", lat, lon, res)
	}
	return uint64(cell), nil
}
