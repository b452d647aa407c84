package deliver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/formbridge/formbridge/internal/bus"
	"github.com/formbridge/formbridge/internal/connector"
	"github.com/formbridge/formbridge/internal/metrics"
	"github.com/formbridge/formbridge/internal/ratelimit"
	"github.com/formbridge/formbridge/internal/secrets"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

// Options bounds the orchestrator's concurrency.
type Options struct {
	// PerSubmissionFanout caps concurrent destination tasks within one event.
	PerSubmissionFanout int
	// PerTenantCap caps concurrent destination tasks across all of a
	// tenant's in-flight events.
	PerTenantCap int
	// DefaultRetry applies to destinations without an explicit policy.
	DefaultRetry models.RetryPolicy
}

// Orchestrator consumes submission.received events and drives every
// configured destination to a terminal state: delivered, or terminally
// failed with a full attempt trail and a DLQ record.
type Orchestrator struct {
	store    store.Store
	secrets  secrets.Store
	bus      bus.Bus
	registry *connector.Registry
	limiter  *ratelimit.Limiter
	opts     Options

	mu         sync.Mutex
	tenantSems map[string]*semaphore.Weighted
	destSems   map[string]*semaphore.Weighted

	now     func() time.Time
	newRand func() *rand.Rand
}

// New creates the delivery orchestrator.
func New(st store.Store, sec secrets.Store, b bus.Bus, reg *connector.Registry, lim *ratelimit.Limiter, opts Options) *Orchestrator {
	if opts.PerSubmissionFanout <= 0 {
		opts.PerSubmissionFanout = 10
	}
	if opts.PerTenantCap <= 0 {
		opts.PerTenantCap = 50
	}
	opts.DefaultRetry = mergePolicy(opts.DefaultRetry, models.DefaultRetryPolicy())
	return &Orchestrator{
		store:      st,
		secrets:    sec,
		bus:        b,
		registry:   reg,
		limiter:    lim,
		opts:       opts,
		tenantSems: make(map[string]*semaphore.Weighted),
		destSems:   make(map[string]*semaphore.Weighted),
		now:        time.Now,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// HandleEvent is the bus handler for submission.received. It returns an
// error only for orchestration failures (store or secrets unavailable), which
// the bus redelivers; destination failures are absorbed into attempt records
// and DLQ events.
func (o *Orchestrator) HandleEvent(ctx context.Context, detail json.RawMessage) error {
	var event models.CanonicalEvent
	if err := json.Unmarshal(detail, &event); err != nil {
		// A malformed event will never become parseable; drop it loudly.
		log.Error().Err(err).Msg("Unparseable submission.received event")
		return nil
	}

	destinations, err := o.store.ListDestinations(ctx, event.TenantID)
	if err != nil {
		return &bus.HandlerError{ErrKind: models.ErrStoreUnavailable, Err: fmt.Errorf("list destinations: %w", err)}
	}
	targets := filterDestinations(destinations, &event)
	if len(targets) == 0 {
		log.Info().
			Str("tenant_id", event.TenantID).
			Str("submission_id", event.SubmissionID).
			Msg("No destinations to deliver to")
		return nil
	}

	summaries := make([]models.DestinationSummary, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.PerSubmissionFanout)
	tenantSem := o.tenantSemaphore(event.TenantID)

	for i := range targets {
		i, dest := i, targets[i]
		g.Go(func() error {
			if err := tenantSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer tenantSem.Release(1)

			summary, err := o.deliverOne(gctx, &event, &dest)
			if err != nil {
				return err
			}
			summaries[i] = summary
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if herr, ok := err.(*bus.HandlerError); ok {
			return herr
		}
		return &bus.HandlerError{ErrKind: models.ErrStoreUnavailable, Err: err}
	}

	summary := models.DeliverySummary{
		SubmissionID:   event.SubmissionID,
		TenantID:       event.TenantID,
		PerDestination: summaries,
	}
	if _, err := o.bus.Publish(ctx, bus.TopicSubmissionClosed, summary); err != nil {
		log.Warn().Err(err).Str("submission_id", event.SubmissionID).Msg("submission.closed publish failed")
	}
	return nil
}

// mergePolicy fills the zero fields of a destination's retry policy from the
// defaults, so a partial policy overrides only the fields it sets.
func mergePolicy(p, def models.RetryPolicy) models.RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.PerAttemptTimeout <= 0 {
		p.PerAttemptTimeout = def.PerAttemptTimeout
	}
	if p.MaxEventAge <= 0 {
		p.MaxEventAge = def.MaxEventAge
	}
	return p
}

// filterDestinations restricts the enabled destinations to the event's
// requested set, if any. Requested ids that no longer exist are logged as
// deleted and skipped.
func filterDestinations(all []models.Destination, event *models.CanonicalEvent) []models.Destination {
	if len(event.Destinations) == 0 {
		return all
	}
	byID := make(map[string]models.Destination, len(all))
	for _, d := range all {
		byID[d.DestinationID] = d
	}
	var out []models.Destination
	for _, id := range event.Destinations {
		d, ok := byID[id]
		if !ok {
			log.Warn().
				Str("kind", string(models.ErrDestinationDeleted)).
				Str("submission_id", event.SubmissionID).
				Str("destination_id", id).
				Msg("Requested destination no longer exists")
			continue
		}
		out = append(out, d)
	}
	return out
}

// deliverOne runs the per-destination delivery state machine:
//
//	Pending -> Rate-Checking -> Invoking -> {Succeeded, Scheduling-Retry, Failed}
//
// Rate-limited checks do not consume an attempt. The returned error is an
// orchestration failure; destination outcomes are reported in the summary.
func (o *Orchestrator) deliverOne(ctx context.Context, event *models.CanonicalEvent, dest *models.Destination) (models.DestinationSummary, error) {
	summary := models.DestinationSummary{DestinationID: dest.DestinationID}

	policy := mergePolicy(dest.Retry, o.opts.DefaultRetry)
	deadline := event.IngestedAt.Add(policy.MaxEventAge)
	rng := o.newRand()

	conn := o.registry.Get(dest.Type)
	if conn == nil {
		// No connector for this type is a configuration defect, not a
		// transient failure.
		attempt, err := o.appendAttempt(ctx, event, dest, models.DeliveryOutcome{
			Outcome:   models.OutcomeTerminalFailure,
			ErrorKind: models.ErrConnectorHTTP4xx,
			Message:   "no connector registered for type " + dest.Type,
		}, nil)
		if err != nil {
			return summary, err
		}
		o.emitDLQ(ctx, event, dest, models.ErrConnectorHTTP4xx, attempt)
		summary.FinalOutcome = models.OutcomeTerminalFailure
		summary.Attempts = attempt
		return summary, nil
	}

	credentials, err := o.resolveCredentials(ctx, dest)
	if err != nil {
		return summary, err
	}

	// Resume numbering where a previous (redelivered) run left off.
	attempts, err := o.store.LastAttemptNumber(ctx, event.SubmissionID, dest.DestinationID)
	if err != nil {
		return summary, &bus.HandlerError{ErrKind: models.ErrStoreUnavailable, Err: err}
	}

	for {
		// Event age gate.
		if o.now().After(deadline) {
			n, err := o.appendAttempt(ctx, event, dest, models.DeliveryOutcome{
				Outcome:   models.OutcomeTerminalFailure,
				ErrorKind: models.ErrEventAgeExceeded,
				Message:   "event exceeded max age before delivery completed",
			}, nil)
			if err != nil {
				return summary, err
			}
			o.emitDLQ(ctx, event, dest, models.ErrEventAgeExceeded, n)
			summary.FinalOutcome = models.OutcomeTerminalFailure
			summary.Attempts = n
			return summary, nil
		}

		// Rate-Checking: a limited window defers without counting an attempt.
		allowed, err := o.limiter.AllowDestination(ctx, dest)
		if err != nil {
			return summary, &bus.HandlerError{ErrKind: models.ErrStoreUnavailable, Err: err}
		}
		if !allowed {
			delay := ratelimit.BackoffToNextWindow(o.now(), rng)
			log.Debug().
				Str("submission_id", event.SubmissionID).
				Str("destination_id", dest.DestinationID).
				Dur("delay", delay).
				Msg("Destination rate limited, deferring")
			if err := sleep(ctx, delay); err != nil {
				return summary, err
			}
			continue
		}

		// Invoking.
		outcome := o.invoke(ctx, conn, dest, event, credentials, policy)
		metrics.DeliveryAttemptsTotal.WithLabelValues(dest.Type, string(outcome.Outcome)).Inc()
		metrics.DeliveryAttemptDuration.WithLabelValues(dest.Type).Observe(outcome.Duration.Seconds())
		upcoming := attempts + 2 // number of the attempt after the one just made

		switch outcome.Outcome {
		case models.OutcomeSuccess:
			n, err := o.appendAttempt(ctx, event, dest, outcome, nil)
			if err != nil {
				return summary, err
			}
			log.Info().
				Str("submission_id", event.SubmissionID).
				Str("destination_id", dest.DestinationID).
				Int("attempt", n).
				Msg("Delivery succeeded")
			summary.FinalOutcome = models.OutcomeSuccess
			summary.Attempts = n
			return summary, nil

		case models.OutcomeRetryableFailure:
			retryOK, delay := Decide(upcoming, policy, rng)
			if !retryOK {
				outcome.Outcome = models.OutcomeTerminalFailure
				outcome.Message = "max attempts exhausted: " + outcome.Message
				n, err := o.appendAttempt(ctx, event, dest, outcome, nil)
				if err != nil {
					return summary, err
				}
				o.emitDLQ(ctx, event, dest, outcome.ErrorKind, n)
				summary.FinalOutcome = models.OutcomeTerminalFailure
				summary.Attempts = n
				return summary, nil
			}
			nextRetry := o.now().UTC().Add(delay)
			n, err := o.appendAttempt(ctx, event, dest, outcome, &nextRetry)
			if err != nil {
				return summary, err
			}
			attempts = n
			log.Warn().
				Str("submission_id", event.SubmissionID).
				Str("destination_id", dest.DestinationID).
				Int("attempt", n).
				Str("kind", string(outcome.ErrorKind)).
				Dur("retry_in", delay).
				Msg("Delivery failed, scheduling retry")
			if err := sleep(ctx, delay); err != nil {
				return summary, err
			}

		case models.OutcomeTerminalFailure:
			n, err := o.appendAttempt(ctx, event, dest, outcome, nil)
			if err != nil {
				return summary, err
			}
			o.emitDLQ(ctx, event, dest, outcome.ErrorKind, n)
			summary.FinalOutcome = models.OutcomeTerminalFailure
			summary.Attempts = n
			return summary, nil
		}
	}
}

// invoke runs the connector under the per-attempt timeout and the
// per-destination concurrency cap. The deadline is enforced here even if the
// connector misbehaves.
func (o *Orchestrator) invoke(ctx context.Context, conn connector.Connector, dest *models.Destination, event *models.CanonicalEvent, credentials []byte, policy models.RetryPolicy) models.DeliveryOutcome {
	timeout := policy.PerAttemptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sem := o.destSemaphore(dest)
	start := o.now()
	if err := sem.Acquire(attemptCtx, 1); err != nil {
		return models.DeliveryOutcome{
			Outcome:   models.OutcomeRetryableFailure,
			ErrorKind: models.ErrConnectorTimeout,
			Message:   "timed out waiting for destination slot",
			Duration:  o.now().Sub(start),
		}
	}
	defer sem.Release(1)

	done := make(chan models.DeliveryOutcome, 1)
	go func() {
		done <- conn.Deliver(attemptCtx, dest, event, credentials)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-attemptCtx.Done():
		return models.DeliveryOutcome{
			Outcome:   models.OutcomeRetryableFailure,
			ErrorKind: models.ErrConnectorTimeout,
			Message:   "per-attempt timeout exceeded",
			Duration:  o.now().Sub(start),
		}
	}
}

// appendAttempt persists the next attempt record for the pair, renumbering on
// a concurrent-writer collision, and returns the attempt number used.
func (o *Orchestrator) appendAttempt(ctx context.Context, event *models.CanonicalEvent, dest *models.Destination, outcome models.DeliveryOutcome, nextRetryAt *time.Time) (int, error) {
	finished := o.now().UTC()
	for i := 0; i < 5; i++ {
		last, err := o.store.LastAttemptNumber(ctx, event.SubmissionID, dest.DestinationID)
		if err != nil {
			return 0, &bus.HandlerError{ErrKind: models.ErrStoreUnavailable, Err: err}
		}
		attempt := &models.DeliveryAttempt{
			SubmissionID:  event.SubmissionID,
			DestinationID: dest.DestinationID,
			AttemptNumber: last + 1,
			StartedAt:     finished.Add(-outcome.Duration),
			FinishedAt:    finished,
			Outcome:       outcome.Outcome,
			StatusCode:    outcome.StatusCode,
			ErrorKind:     outcome.ErrorKind,
			ErrorMessage:  outcome.Message,
			DurationMS:    outcome.Duration.Milliseconds(),
			NextRetryAt:   nextRetryAt,
		}
		err = o.store.AppendDeliveryAttempt(ctx, attempt)
		if err == nil {
			return attempt.AttemptNumber, nil
		}
		if !store.IsAlreadyExists(err) {
			return 0, &bus.HandlerError{ErrKind: models.ErrStoreUnavailable, Err: err}
		}
	}
	return 0, &bus.HandlerError{
		ErrKind: models.ErrStoreConflict,
		Err:     fmt.Errorf("attempt numbering contention for %s/%s", event.SubmissionID, dest.DestinationID),
	}
}

func (o *Orchestrator) emitDLQ(ctx context.Context, event *models.CanonicalEvent, dest *models.Destination, kind models.ErrorKind, attempts int) {
	raw, _ := json.Marshal(event)
	record := models.DLQRecord{
		OriginalEvent: raw,
		SubmissionID:  event.SubmissionID,
		DestinationID: dest.DestinationID,
		LastErrorKind: kind,
		AttemptCount:  attempts,
	}
	metrics.DLQEventsTotal.WithLabelValues(bus.TopicDeliverDLQ).Inc()
	if _, err := o.bus.Publish(ctx, bus.TopicDeliverDLQ, record); err != nil {
		log.Error().Err(err).
			Str("submission_id", event.SubmissionID).
			Str("destination_id", dest.DestinationID).
			Msg("DLQ publish failed")
	}
}

func (o *Orchestrator) resolveCredentials(ctx context.Context, dest *models.Destination) ([]byte, error) {
	if dest.Auth.Mode == models.AuthNone || dest.Auth.Mode == "" || dest.Auth.SecretRef == "" {
		return nil, nil
	}
	credentials, err := o.secrets.GetCredential(ctx, dest.Auth.SecretRef)
	if err != nil {
		// Missing or unreachable credentials block delivery; the bus
		// redelivers, giving the operator time to fix the reference.
		return nil, &bus.HandlerError{
			ErrKind: models.ErrStoreUnavailable,
			Err:     fmt.Errorf("resolve credential %s: %w", dest.Auth.SecretRef, err),
		}
	}
	return credentials, nil
}

func (o *Orchestrator) tenantSemaphore(tenantID string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.tenantSems[tenantID]
	if !ok {
		sem = semaphore.NewWeighted(int64(o.opts.PerTenantCap))
		o.tenantSems[tenantID] = sem
	}
	return sem
}

// destSemaphore converts the destination's rate limit into a concurrency cap.
func (o *Orchestrator) destSemaphore(dest *models.Destination) *semaphore.Weighted {
	key := dest.TenantID + "/" + dest.DestinationID
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.destSems[key]
	if !ok {
		weight := dest.RateLimitPerSecond
		if weight <= 0 {
			weight = 10
		}
		sem = semaphore.NewWeighted(int64(weight))
		o.destSems[key] = sem
	}
	return sem
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
