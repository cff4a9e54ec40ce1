// Package archive backs the "archive export" and "format-mls" CLI
// subcommands (SPEC_FULL.md §3, sourced from original_source/src/main.rs's
// Command enum): streaming reports to JSONL and converting a JSONL export to
// Mozilla Location Service submission format. It also renders a set of h3
// coverage cells as GeoJSON (ExportCoverageGeoJSON), which no CLI
// subcommand calls.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/eugenever/locator/internal/model"
)

// ExportReportsJSONL streams reports as newline-delimited JSON.
func ExportReportsJSONL(w io.Writer, reports []model.Report) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// mlsWifiRecord is one Wi-Fi entry in the MLS geosubmit "wifiAccessPoints"
// array (https://mozilla.github.io/ichnaea/api/submit.html), simplified to
// the fields locator tracks.
type mlsWifiRecord struct {
	MacAddress       string  `json:"macAddress"`
	SignalStrength   float64 `json:"signalStrength,omitempty"`
}

type mlsCellRecord struct {
	RadioType         string `json:"radioType"`
	MobileCountryCode int16  `json:"mobileCountryCode"`
	MobileNetworkCode int16  `json:"mobileNetworkCode"`
	LocationAreaCode  int32  `json:"locationAreaCode"`
	CellID            int64  `json:"cellId"`
}

type mlsPosition struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

type mlsReport struct {
	Timestamp        int64           `json:"timestamp"`
	Position         mlsPosition     `json:"position"`
	WifiAccessPoints []mlsWifiRecord `json:"wifiAccessPoints,omitempty"`
	CellTowers       []mlsCellRecord `json:"cellTowers,omitempty"`
}

type mlsEnvelope struct {
	Items []mlsReport `json:"items"`
}

// FormatMLS reads JSONL Submissions from r and writes one MLS geosubmit
// envelope to w.
func FormatMLS(r io.Reader, w io.Writer) error {
	dec := json.NewDecoder(bufio.NewReader(r))
	var out mlsEnvelope
	for {
		var sub model.Submission
		if err := dec.Decode(&sub); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("archive: decode submission: %w", err)
		}
		out.Items = append(out.Items, toMLS(sub))
	}
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func toMLS(sub model.Submission) mlsReport {
	rep := mlsReport{
		Timestamp: sub.TimestampMillis,
		Position: mlsPosition{
			Latitude:  sub.Position.Latitude,
			Longitude: sub.Position.Longitude,
		},
	}
	if sub.Position.Accuracy != nil {
		rep.Position.Accuracy = *sub.Position.Accuracy
	}
	for _, w := range sub.Wifi {
		rec := mlsWifiRecord{MacAddress: w.MAC}
		if w.RSSI != nil {
			rec.SignalStrength = *w.RSSI
		}
		rep.WifiAccessPoints = append(rep.WifiAccessPoints, rec)
	}
	for _, c := range sub.Cell {
		rep.CellTowers = append(rep.CellTowers, mlsCellRecord{
			RadioType:         c.Radio.String(),
			MobileCountryCode: int16(c.MCC),
			MobileNetworkCode: int16(c.MNC),
			LocationAreaCode:  int32(c.LAC),
			CellID:            int64(c.CID),
		})
	}
	return rep
}

// geoJSONFeatureCollection and geoJSONFeature are a minimal GeoJSON subset,
// enough to render point features for each seen coverage cell.
type geoJSONFeatureCollection struct {
	Type     string            `json:"type"`
	Features []geoJSONFeature  `json:"features"`
}

type geoJSONFeature struct {
	Type       string                 `json:"type"`
	Geometry   geoJSONPoint           `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type geoJSONPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// ExportCoverageGeoJSON renders the given h3 cells, already resolved to
// lat/lon centers by the caller (internal/geo knows how to invert a cell,
// the archive package stays geometry-agnostic), as a GeoJSON
// FeatureCollection.
func ExportCoverageGeoJSON(w io.Writer, cells []model.CoverageCell, centerOf func(model.CoverageCell) (lat, lon float64, err error)) error {
	fc := geoJSONFeatureCollection{Type: "FeatureCollection"}
	for _, cell := range cells {
		lat, lon, err := centerOf(cell)
		if err != nil {
			continue
		}
		fc.Features = append(fc.Features, geoJSONFeature{
			Type:     "Feature",
			Geometry: geoJSONPoint{Type: "Point", Coordinates: [2]float64{lon, lat}},
			Properties: map[string]interface{}{
				"cell": fmt.Sprintf("%x", uint64(cell)),
			},
		})
	}
	enc := json.NewEncoder(w)
	return enc.Encode(fc)
}
