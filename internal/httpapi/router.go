package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the chi router for locator's HTTP surface (spec.md §6),
// grounded on the teacher's internal/app/server.Run wiring but generalized
// into a constructor so cmd/locator can own the *http.Server lifecycle.
func NewRouter(s *Server, logger *slog.Logger, credentialTokens []string) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverMiddleware(logger))
	r.Use(loggingMiddleware(logger))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(credentialTokens))
		r.Post("/api/v1/locate", s.handleLocate)
		r.Post("/api/v1/report", s.handleReport)
		r.Post("/api/v1/cell", s.handleCell)
		r.Post("/api/v1/match", s.handleMatch)
		r.Post("/api/mls/v1/geolocate", s.handleMLSGeolocate)
		r.Post("/api/mls/v2/geosubmit", s.handleMLSGeosubmit)
	})

	return r
}
