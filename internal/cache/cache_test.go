package cache

import (
	"testing"

	"github.com/eugenever/locator/internal/model"
)

func TestParseTransmitterReply_HappyPath(t *testing.T) {
	reply := `{"object":{"type":"Point","coordinates":[37.6173,55.7558]},` +
		`"fields":{"accuracy":12.5,"total_weight":3.2,"min_strength":-90,` +
		`"max_strength":-40,"min_lat":55.7,"min_lon":37.6,"max_lat":55.8,"max_lon":37.7}}`

	loc, err := parseTransmitterReply("wifi:aa:bb:cc:dd:ee:ff", reply)
	if err != nil {
		t.Fatalf("parseTransmitterReply: %v", err)
	}
	if loc.Lat != 55.7558 || loc.Lon != 37.6173 {
		t.Errorf("got lat=%v lon=%v, want 55.7558,37.6173", loc.Lat, loc.Lon)
	}
	if loc.Accuracy != 12.5 || loc.TotalWeight != 3.2 {
		t.Errorf("unexpected fields: %+v", loc)
	}
	if loc.Bounds != (model.Bounds{MinLat: 55.7, MinLon: 37.6, MaxLat: 55.8, MaxLon: 37.7}) {
		t.Errorf("unexpected bounds: %+v", loc.Bounds)
	}
}

func TestParseTransmitterReply_WrongType(t *testing.T) {
	if _, err := parseTransmitterReply("k", 42); err == nil {
		t.Fatal("expected error for non-string reply")
	}
}

func TestParseTransmitterReply_MalformedJSON(t *testing.T) {
	if _, err := parseTransmitterReply("k", "{not json"); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestCollectionFor(t *testing.T) {
	cases := []struct {
		kind model.TransmitterKind
		want string
	}{
		{model.KindCell, collectionCell},
		{model.KindWifi, collectionWifi},
		{model.KindBluetooth, collectionBluetooth},
	}
	for _, c := range cases {
		if got := collectionFor(c.kind); got != c.want {
			t.Errorf("collectionFor(%v) = %q, want %q", c.kind, got, c.want)
		}
	}
}
