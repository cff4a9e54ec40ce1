package httpapi

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eugenever/locator/internal/model"
)

func TestRadioFromMLS_KnownAndUnknownValues(t *testing.T) {
	cases := map[string]model.CellRadio{
		"gsm":     model.RadioGSM,
		"wcdma":   model.RadioWCDMA,
		"umts":    model.RadioWCDMA,
		"lte":     model.RadioLTE,
		"nr":      model.RadioNR,
		"unknown": model.RadioLTE,
	}
	for in, want := range cases {
		if got := radioFromMLS(in); got != want {
			t.Errorf("radioFromMLS(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestReadBody_DefaultsLimitWhenUnset(t *testing.T) {
	s := &Server{}
	body := strings.Repeat("a", 10)
	req := httptest.NewRequest("POST", "/", strings.NewReader(body))

	got, err := s.readBody(req)
	if err != nil {
		t.Fatalf("readBody: %v", err)
	}
	if string(got) != body {
		t.Errorf("readBody = %q, want %q", got, body)
	}
}

func TestReadBody_EnforcesConfiguredLimit(t *testing.T) {
	s := &Server{MaxPayloadBytes: 4}
	req := httptest.NewRequest("POST", "/", strings.NewReader("abcdefgh"))

	got, err := s.readBody(req)
	if err != nil {
		t.Fatalf("readBody: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("len(readBody) = %d, want 4 (truncated to MaxPayloadBytes)", len(got))
	}
}
