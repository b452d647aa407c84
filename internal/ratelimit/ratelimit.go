// Package ratelimit implements fixed-window per-minute rate limiting on top
// of the SubmissionStore's atomic bucket counters, so limits hold across
// every process sharing the store.
package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"github.com/formbridge/formbridge/internal/metrics"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

// Limiter checks per-tenant and per-destination fixed-window budgets.
type Limiter struct {
	store store.Store
	now   func() time.Time
}

// New creates a limiter over the given store.
func New(s store.Store) *Limiter {
	return &Limiter{store: s, now: time.Now}
}

// Minute returns the unix-minute bucket for t.
func Minute(t time.Time) int64 {
	return t.Unix() / 60
}

// AllowTenant consumes one ingest token from the tenant's tier budget.
func (l *Limiter) AllowTenant(ctx context.Context, tenant *models.Tenant) (bool, error) {
	ok, err := l.store.IncrementRateBucket(ctx,
		store.TenantScope(tenant.TenantID),
		Minute(l.now()),
		tenant.Tier.IngestLimitPerMinute(),
	)
	if err == nil && !ok {
		metrics.RateLimitedTotal.WithLabelValues("tenant").Inc()
	}
	return ok, err
}

// AllowDestination consumes one delivery token from the destination budget.
func (l *Limiter) AllowDestination(ctx context.Context, dest *models.Destination) (bool, error) {
	ok, err := l.store.IncrementRateBucket(ctx,
		store.DestinationScope(dest.TenantID, dest.DestinationID),
		Minute(l.now()),
		dest.RatePerMinute(),
	)
	if err == nil && !ok {
		metrics.RateLimitedTotal.WithLabelValues("destination").Inc()
	}
	return ok, err
}

// RetryAfter returns the time until the next minute boundary, the window in
// which a limited caller should try again.
func RetryAfter(now time.Time) time.Duration {
	return time.Duration(60-(now.Unix()%60)) * time.Second
}

// BackoffToNextWindow returns the delay a rate-limited delivery task sleeps
// before re-checking: next minute boundary plus up to 5 seconds of jitter.
func BackoffToNextWindow(now time.Time, rng *rand.Rand) time.Duration {
	jitter := time.Duration(rng.Float64() * float64(5 * time.Second))
	return RetryAfter(now) + jitter
}
