// Package connector defines the uniform delivery contract and the registry
// mapping destination types to implementations.
//
// Connectors are side-effect-only: no shared mutable state, no internal
// retries (retry is the orchestrator's job), and every outbound delivery
// carries the submission id so downstream systems can dedupe.
package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/pkg/models"
)

// SubmissionIDHeader is set on every outbound HTTP delivery.
const SubmissionIDHeader = "X-Form-Bridge-Submission-Id"

// Connector delivers one canonical event to one destination. The context
// carries the per-attempt deadline; implementations must honor it and return
// an outcome no later than the deadline.
type Connector interface {
	// Type returns the destination type this connector serves.
	Type() string

	// Deliver performs exactly one delivery attempt. Credentials are the
	// resolved bytes for the destination's auth.secret_ref (nil when the
	// auth mode is "none").
	Deliver(ctx context.Context, dest *models.Destination, event *models.CanonicalEvent, credentials []byte) models.DeliveryOutcome
}

// Registry maps destination types to connectors. It is populated at boot and
// read-only afterwards.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds or replaces the connector for its type.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Type()] = c
	log.Info().Str("type", c.Type()).Msg("Registered connector")
}

// Get returns the connector for a destination type, or nil.
func (r *Registry) Get(destType string) Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectors[destType]
}
