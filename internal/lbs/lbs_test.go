package lbs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eugenever/locator/internal/lks"
	"github.com/eugenever/locator/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.Client(), srv.URL, "yandex", nil)
	c.Keys = lks.New(context.Background(), []string{"key-a"}, c)
	return c
}

func TestResolve_HappyPath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"position":{"latitude":55.75,"longitude":37.61,"accuracy":25}}`))
	})

	rec, err := c.Resolve(context.Background(), Request{Wifi: []WifiAP{{MAC: "aa:bb:cc:dd:ee:ff"}}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Lat != 55.75 || rec.Lon != 37.61 || rec.Accuracy != 25 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Source != "yandex" {
		t.Errorf("Source = %q, want yandex", rec.Source)
	}
}

func TestResolve_CachesRepeatLookup(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"position":{"latitude":1,"longitude":2,"accuracy":3}}`))
	})

	req := Request{Wifi: []WifiAP{{MAC: "aa:bb:cc:dd:ee:ff"}}}
	if _, err := c.Resolve(context.Background(), req); err != nil {
		t.Fatalf("Resolve #1: %v", err)
	}
	if _, err := c.Resolve(context.Background(), req); err != nil {
		t.Fatalf("Resolve #2: %v", err)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (second lookup should hit the LRU)", calls)
	}
}

func TestResolve_ForbiddenQuarantinesKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.Resolve(context.Background(), Request{Wifi: []WifiAP{{MAC: "aa:bb:cc:dd:ee:ff"}}})
	if err != ErrRequestFailed {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}

	// the only configured key is now quarantined, so the scheduler can't
	// hand out a key for a second attempt.
	_, err = c.Resolve(context.Background(), Request{Wifi: []WifiAP{{MAC: "11:22:33:44:55:66"}}})
	if err != ErrQuarantined {
		t.Fatalf("err = %v, want ErrQuarantined", err)
	}
}

func TestRequestKey_StableAndDistinct(t *testing.T) {
	a := Request{Wifi: []WifiAP{{MAC: "aa:bb"}}}
	b := Request{Wifi: []WifiAP{{MAC: "aa:bb"}}}
	c := Request{Wifi: []WifiAP{{MAC: "cc:dd"}}}

	if requestKey(a) != requestKey(b) {
		t.Error("identical requests should produce the same cache key")
	}
	if requestKey(a) == requestKey(c) {
		t.Error("distinct requests should produce distinct cache keys")
	}
}

func TestAsuToDBm(t *testing.T) {
	cases := []struct {
		radio model.CellRadio
		asu   int
		want  float64
	}{
		{model.RadioGSM, 0, -113},
		{model.RadioGSM, 15, -83},
		{model.RadioWCDMA, 50, -70},
		{model.RadioLTE, 50, -90},
		{model.RadioNR, 50, -90},
	}
	for _, c := range cases {
		got, ok := AsuToDBm(c.radio, c.asu)
		if !ok {
			t.Errorf("AsuToDBm(%v, %d) unexpectedly reported unknown", c.radio, c.asu)
		}
		if got != c.want {
			t.Errorf("AsuToDBm(%v, %d) = %v, want %v", c.radio, c.asu, got, c.want)
		}
	}
	if _, ok := AsuToDBm(model.RadioGSM, 99); ok {
		t.Error("asu=99 should always report unknown, regardless of radio")
	}
}
