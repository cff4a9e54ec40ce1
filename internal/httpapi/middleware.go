// Package httpapi wires the chi router, bearer-token auth, and the
// handlers for locator's public surface (spec.md §6): /api/v1/locate,
// /api/v1/report, /api/v1/cell, /api/v1/match, /api/v1/health, and the MLS
// compatibility endpoints /api/mls/v1/geolocate and /api/mls/v2/geosubmit.
// Middleware is adapted from the teacher's internal/core/middleware, swapping
// its slog-only logging for the logging package's zerolog-backed bridge.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/eugenever/locator/internal/logging"
)

func loggingMiddleware(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = logging.NewID()
				w.Header().Set("X-Request-ID", reqID)
			}
			ctx := logging.WithRequestID(r.Context(), reqID)
			ctx = logging.WithComponent(ctx, "http")
			l.LogAttrs(ctx, slog.LevelDebug, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func recoverMiddleware(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					l.Error("panic recovered", "err", rec)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// bearerAuth rejects requests whose Authorization header doesn't carry one
// of the configured tokens, matching spec.md §6's static bearer-token
// authentication. With no tokens configured every request is let through.
func bearerAuth(tokens []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		allowed[t] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
				writeUnauthorized(w)
				return
			}
			if _, ok := allowed[auth[len(prefix):]]; !ok {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"domain":"locator","reason":"unauthorized","message":"invalid api key","code":401}}`))
}
