package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/eugenever/locator/internal/estimator"
	"github.com/eugenever/locator/internal/httpapi/apierr"
	"github.com/eugenever/locator/internal/ingest"
	"github.com/eugenever/locator/internal/lbs"
	"github.com/eugenever/locator/internal/model"
	"github.com/eugenever/locator/internal/relstore"
	"github.com/eugenever/locator/internal/routing"
)

// Server holds the dependencies every handler needs. Routes are registered
// on a *chi.Router by NewRouter in router.go.
type Server struct {
	Estimator *estimator.Estimator
	Ingestor  *ingest.Ingestor
	Store     *relstore.Store
	Routing   *routing.Client

	ProcessReportOnline bool
	MaxPayloadBytes      int64
}

// locateRequest is the body of POST /api/v1/locate (spec.md §6): a set of
// radio observations and, optionally, a GNSS hint.
type locateRequest struct {
	Position model.Position          `json:"position"`
	Wifi     []model.WifiObservation `json:"wifi,omitempty"`
	Cell     []model.CellObservation `json:"cell,omitempty"`
}

type locateResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Source    string  `json:"source"`
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	var req locateRequest
	if err := s.decode(r, &req); err != nil {
		apierr.WriteError(w, apierr.InvalidRequest(err.Error()))
		return
	}

	sub := model.Submission{Position: req.Position, Wifi: req.Wifi, Cell: req.Cell}
	res, err := s.Estimator.Locate(r.Context(), sub)
	if err != nil {
		apierr.WriteError(w, apierr.NotFound("unable to resolve a position"))
		return
	}

	writeJSON(w, http.StatusOK, locateResponse{
		Latitude: res.Lat, Longitude: res.Lon, Accuracy: res.Accuracy, Source: string(res.Outcome),
	})
}

// handleReport accepts one Submission for batch (or, if configured, online)
// ingestion (spec.md §4.7).
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		apierr.WriteError(w, apierr.InvalidRequest(err.Error()))
		return
	}

	var sub model.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		apierr.WriteError(w, apierr.InvalidRequest("malformed submission"))
		return
	}

	if s.ProcessReportOnline {
		if _, err := s.Ingestor.Process(r.Context(), sub); err != nil {
			apierr.WriteError(w, apierr.Internal("processing failed"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ua := r.Header.Get("User-Agent")
	if _, err := s.Store.InsertReport(r.Context(), &ua, body); err != nil {
		apierr.WriteError(w, apierr.DatabaseError(err.Error()))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleCell implements the "cell warming" supplement (SPEC_FULL.md §3):
// resolving a single cell tower through the LBS provider and seeding the
// provider client's in-process cache with the result, used by devices that
// have spotted a new tower with no cached fingerprint yet. It answers 200 OK
// with an empty body once the cell resolves.
func (s *Server) handleCell(w http.ResponseWriter, r *http.Request) {
	var cell model.CellObservation
	if err := s.decode(r, &cell); err != nil {
		apierr.WriteError(w, apierr.InvalidRequest(err.Error()))
		return
	}

	if s.Estimator == nil || s.Estimator.LBS == nil {
		apierr.WriteError(w, apierr.NotFound("unable to resolve cell"))
		return
	}
	if _, err := s.Estimator.LBS.Resolve(r.Context(), lbs.Request{Cell: []lbs.Cell{{
		CountryCode: int(cell.MCC), OperatorID: int(cell.MNC),
		CellID: int(cell.CID), LAC: int(cell.LAC),
	}}}); err != nil {
		apierr.WriteError(w, apierr.NotFound("unable to resolve cell"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMatch proxies a GPX track to the GraphHopper map-matching service
// (SPEC_FULL.md §3).
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if s.Routing == nil {
		apierr.WriteError(w, apierr.NotFound("map matching not configured"))
		return
	}
	body, err := s.readBody(r)
	if err != nil {
		apierr.WriteError(w, apierr.InvalidRequest(err.Error()))
		return
	}
	matched, err := s.Routing.MatchGPX(r.Context(), body)
	if err != nil {
		apierr.WriteError(w, apierr.Internal(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/gpx+xml")
	_, _ = w.Write(matched)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Mozilla Location Service compatibility surface (SPEC_FULL.md §3).

type mlsGeolocateRequest struct {
	WifiAccessPoints []struct {
		MacAddress     string  `json:"macAddress"`
		SignalStrength float64 `json:"signalStrength"`
	} `json:"wifiAccessPoints"`
	CellTowers []struct {
		RadioType         string `json:"radioType"`
		MobileCountryCode uint16 `json:"mobileCountryCode"`
		MobileNetworkCode uint16 `json:"mobileNetworkCode"`
		LocationAreaCode  uint64 `json:"locationAreaCode"`
		CellID            uint64 `json:"cellId"`
	} `json:"cellTowers"`
}

type mlsGeolocateResponse struct {
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
}

func (s *Server) handleMLSGeolocate(w http.ResponseWriter, r *http.Request) {
	var req mlsGeolocateRequest
	if err := s.decode(r, &req); err != nil {
		apierr.WriteError(w, apierr.InvalidRequest(err.Error()))
		return
	}

	sub := model.Submission{}
	for _, ap := range req.WifiAccessPoints {
		rssi := ap.SignalStrength
		sub.Wifi = append(sub.Wifi, model.WifiObservation{MAC: ap.MacAddress, RSSI: &rssi})
	}
	for _, c := range req.CellTowers {
		sub.Cell = append(sub.Cell, model.CellObservation{
			Radio: radioFromMLS(c.RadioType), MCC: c.MobileCountryCode, MNC: c.MobileNetworkCode,
			LAC: c.LocationAreaCode, CID: c.CellID,
		})
	}

	res, err := s.Estimator.Locate(r.Context(), sub)
	if err != nil {
		apierr.WriteError(w, apierr.NotFound("not found"))
		return
	}

	var out mlsGeolocateResponse
	out.Location.Lat = res.Lat
	out.Location.Lng = res.Lon
	out.Accuracy = res.Accuracy
	writeJSON(w, http.StatusOK, out)
}

func radioFromMLS(s string) model.CellRadio {
	switch s {
	case "gsm":
		return model.RadioGSM
	case "wcdma", "umts":
		return model.RadioWCDMA
	case "lte":
		return model.RadioLTE
	case "nr":
		return model.RadioNR
	default:
		return model.RadioLTE
	}
}

// handleMLSGeosubmit accepts a batch of MLS-format reports and folds each
// into ingestion, matching the "geosubmit" bulk endpoint of the MLS API.
func (s *Server) handleMLSGeosubmit(w http.ResponseWriter, r *http.Request) {
	var batch struct {
		Items []model.Submission `json:"items"`
	}
	if err := s.decode(r, &batch); err != nil {
		apierr.WriteError(w, apierr.InvalidRequest(err.Error()))
		return
	}
	for _, sub := range batch.Items {
		if _, err := s.Ingestor.Process(r.Context(), sub); err != nil {
			continue
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	body, err := s.readBody(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	limit := s.MaxPayloadBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
