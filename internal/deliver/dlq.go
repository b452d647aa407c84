package deliver

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

// DLQHandler returns the subscriber for a dead-letter topic. It logs every
// record for operator visibility and, when the record names a destination
// whose attempt trail does not yet end in a terminal failure, materializes
// that terminal attempt so the dashboard shows the true final state.
func DLQHandler(st store.Store, topic string) func(ctx context.Context, detail json.RawMessage) error {
	return func(ctx context.Context, detail json.RawMessage) error {
		var record models.DLQRecord
		if err := json.Unmarshal(detail, &record); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Unparseable DLQ record")
			return nil
		}

		log.Error().
			Str("topic", topic).
			Str("submission_id", record.SubmissionID).
			Str("destination_id", record.DestinationID).
			Str("last_error_kind", string(record.LastErrorKind)).
			Int("attempt_count", record.AttemptCount).
			Msg("Event dead-lettered")

		if record.SubmissionID == "" || record.DestinationID == "" {
			return nil
		}

		attempts, err := st.ListDeliveryAttempts(ctx, record.SubmissionID, record.DestinationID)
		if err != nil {
			log.Warn().Err(err).Msg("DLQ attempt lookup failed")
			return nil
		}
		if len(attempts) > 0 && attempts[len(attempts)-1].Outcome == models.OutcomeTerminalFailure {
			return nil
		}

		attempt := &models.DeliveryAttempt{
			SubmissionID:  record.SubmissionID,
			DestinationID: record.DestinationID,
			AttemptNumber: len(attempts) + 1,
			Outcome:       models.OutcomeTerminalFailure,
			ErrorKind:     record.LastErrorKind,
			ErrorMessage:  "dead-lettered after " + string(record.LastErrorKind),
		}
		if err := st.AppendDeliveryAttempt(ctx, attempt); err != nil && !store.IsAlreadyExists(err) {
			log.Warn().Err(err).Msg("DLQ terminal attempt write failed")
		}
		return nil
	}
}
