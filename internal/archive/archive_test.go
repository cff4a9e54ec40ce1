package archive

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/eugenever/locator/internal/model"
)

func TestExportReportsJSONL(t *testing.T) {
	reports := []model.Report{
		{ID: 1, Raw: []byte(`{}`)},
		{ID: 2, Raw: []byte(`{}`)},
	}
	var buf bytes.Buffer
	if err := ExportReportsJSONL(&buf, reports); err != nil {
		t.Fatalf("ExportReportsJSONL: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	var first model.Report
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first line: %v", err)
	}
	if first.ID != 1 {
		t.Errorf("first.ID = %d, want 1", first.ID)
	}
}

func TestFormatMLS(t *testing.T) {
	acc := 15.0
	rssi := -55.0
	sub := model.Submission{
		TimestampMillis: 1234,
		Position:        model.Position{Latitude: 55.0, Longitude: 37.0, Accuracy: &acc},
		Wifi:            []model.WifiObservation{{MAC: "aa:bb:cc:dd:ee:ff", RSSI: &rssi}},
		Cell: []model.CellObservation{
			{Radio: model.RadioLTE, MCC: 250, MNC: 1, LAC: 100, CID: 200},
		},
	}
	b, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal submission: %v", err)
	}

	var out bytes.Buffer
	if err := FormatMLS(bytes.NewReader(b), &out); err != nil {
		t.Fatalf("FormatMLS: %v", err)
	}

	var envelope struct {
		Items []struct {
			Position struct {
				Latitude float64 `json:"latitude"`
				Accuracy float64 `json:"accuracy"`
			} `json:"position"`
			WifiAccessPoints []struct {
				MacAddress string `json:"macAddress"`
			} `json:"wifiAccessPoints"`
			CellTowers []struct {
				RadioType string `json:"radioType"`
			} `json:"cellTowers"`
		} `json:"items"`
	}
	if err := json.Unmarshal(out.Bytes(), &envelope); err != nil {
		t.Fatalf("decode mls envelope: %v", err)
	}
	if len(envelope.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(envelope.Items))
	}
	item := envelope.Items[0]
	if item.Position.Latitude != 55.0 || item.Position.Accuracy != 15.0 {
		t.Errorf("unexpected position: %+v", item.Position)
	}
	if len(item.WifiAccessPoints) != 1 || item.WifiAccessPoints[0].MacAddress != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("unexpected wifi records: %+v", item.WifiAccessPoints)
	}
	if len(item.CellTowers) != 1 || item.CellTowers[0].RadioType != "lte" {
		t.Errorf("unexpected cell towers: %+v", item.CellTowers)
	}
}

func TestExportCoverageGeoJSON(t *testing.T) {
	cells := []model.CoverageCell{1, 2}
	center := func(c model.CoverageCell) (float64, float64, error) {
		return float64(c), float64(c) * 2, nil
	}

	var buf bytes.Buffer
	if err := ExportCoverageGeoJSON(&buf, cells, center); err != nil {
		t.Fatalf("ExportCoverageGeoJSON: %v", err)
	}

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Coordinates [2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(buf.Bytes(), &fc); err != nil {
		t.Fatalf("decode geojson: %v", err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 2 {
		t.Fatalf("unexpected feature collection: %+v", fc)
	}
	if fc.Features[0].Geometry.Coordinates != [2]float64{2, 1} {
		t.Errorf("coordinates should be [lon,lat]: %+v", fc.Features[0].Geometry.Coordinates)
	}
}
