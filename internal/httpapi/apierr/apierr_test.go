package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteError_APIErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, InvalidRequest("bad wifi payload"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	var body struct {
		Error struct {
			Domain  string `json:"domain"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Domain != "locator" || body.Error.Reason != "bad wifi payload" {
		t.Errorf("unexpected envelope: %+v", body.Error)
	}
	if body.Error.Message != "bad request" {
		t.Errorf("Message = %q, want %q", body.Error.Message, "bad request")
	}
	if body.Error.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want %d", body.Error.Code, http.StatusBadRequest)
	}
}

func TestWriteError_NonAPIErrorBecomesInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestMessageFor_KnownCodes(t *testing.T) {
	cases := []struct {
		build func(string) *APIError
		want  string
	}{
		{InvalidRequest, "bad request"},
		{Forbidden, "invalid api key"},
		{DatabaseError, "internal server error"},
	}
	for _, c := range cases {
		if got := c.build("x").Message; got != c.want {
			t.Errorf("Message = %q, want %q", got, c.want)
		}
	}
	if got := LbsError(http.StatusTooManyRequests).Message; got != "the number of requests has been exceeded" {
		t.Errorf("LbsError(429).Message = %q", got)
	}
}
