package handlers

import (
	"net/http"
	"time"

	"github.com/formbridge/formbridge/internal/bus"
	"github.com/formbridge/formbridge/internal/config"
	"github.com/formbridge/formbridge/internal/ratelimit"
	"github.com/formbridge/formbridge/internal/store"
)

// Handlers holds the dependencies shared by all HTTP endpoints.
type Handlers struct {
	store   store.Store
	bus     bus.Bus
	limiter *ratelimit.Limiter
	cursors *CursorCodec

	maxPayloadBytes int
	defaultLimit    int
	maxLimit        int

	now func() time.Time
}

// New wires the endpoint handlers.
func New(st store.Store, b bus.Bus, limiter *ratelimit.Limiter, cursors *CursorCodec, cfg *config.Config) *Handlers {
	return &Handlers{
		store:           st,
		bus:             b,
		limiter:         limiter,
		cursors:         cursors,
		maxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		defaultLimit:    cfg.Query.DefaultLimit,
		maxLimit:        cfg.Query.MaxLimit,
		now:             time.Now,
	}
}

// Health handles GET /health: process liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "formbridge",
	})
}

// Ready handles GET /ready: 200 only when the store and the bus are both
// accepting work.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	if err := h.bus.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "bus unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
