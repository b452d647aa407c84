// Package persist subscribes to submission.received and writes the canonical
// record. Duplicate submissions are absorbed here, which is what makes the
// whole ingest path idempotent.
package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/internal/bus"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

// Persister writes canonical events into the submission store.
type Persister struct {
	store store.Store
}

// New creates the persister.
func New(st store.Store) *Persister {
	return &Persister{store: st}
}

// HandleEvent is the bus handler for submission.received. An AlreadyExists
// conflict is success (the duplicate is absorbed); any other store failure
// goes back to the bus for redelivery.
func (p *Persister) HandleEvent(ctx context.Context, detail json.RawMessage) error {
	var event models.CanonicalEvent
	if err := json.Unmarshal(detail, &event); err != nil {
		log.Error().Err(err).Msg("Unparseable submission.received event")
		return nil
	}

	retention := models.DefaultRetentionDays
	if tenant, err := p.store.GetTenant(ctx, event.TenantID); err == nil && tenant.RetentionDays > 0 {
		retention = tenant.RetentionDays
	}

	record := models.FromEvent(&event, retention)
	err := p.store.PutSubmissionIfAbsent(ctx, record)
	if store.IsAlreadyExists(err) {
		log.Info().
			Str("tenant_id", event.TenantID).
			Str("submission_id", event.SubmissionID).
			Msg("Duplicate submission absorbed")
		return nil
	}
	if err != nil {
		return &bus.HandlerError{
			ErrKind: models.ErrStoreUnavailable,
			Err:     fmt.Errorf("persist submission %s: %w", event.SubmissionID, err),
		}
	}

	log.Debug().
		Str("tenant_id", event.TenantID).
		Str("submission_id", event.SubmissionID).
		Msg("Submission persisted")
	return nil
}
