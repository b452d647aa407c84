// Package api assembles the HTTP surface: routes, middleware chain, and the
// shared response conventions.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/formbridge/formbridge/internal/api/handlers"
	"github.com/formbridge/formbridge/internal/api/middleware"
	"github.com/formbridge/formbridge/internal/config"
	"github.com/formbridge/formbridge/internal/metrics"
)

// NewRouter creates the HTTP router.
//
// POST /ingest is guarded by the HMAC authenticator; GET /submissions by the
// dashboard session verifier. Health probes and metrics are public.
func NewRouter(cfg *config.Config, h *handlers.Handlers, hmacAuth *middleware.HMACAuth, sessions middleware.SessionVerifier) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestIDHeader)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-Timestamp", "X-Signature", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health & probes
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", metrics.Handler())
	}

	// Ingest path (HMAC-signed plugin traffic)
	r.Group(func(r chi.Router) {
		r.Use(hmacAuth.Middleware)
		r.Post("/ingest", h.Ingest)
	})

	// Dashboard read path (bearer session)
	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(sessions))
		r.Get("/submissions", h.ListSubmissions)
		r.Get("/submissions/{submissionID}", h.GetSubmission)
	})

	return r
}

// requestIDHeader reflects the correlation id on every response.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}
