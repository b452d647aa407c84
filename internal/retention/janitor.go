// Package retention purges expired submissions. Each submission record
// carries an expires_at derived from the tenant's retention window (default
// 30 days); the janitor sweeps tenants on an interval and deletes what has
// lapsed, attempts included. Backends with native item TTL can disable it.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/internal/store"
)

// Janitor periodically purges expired submissions across all tenants.
type Janitor struct {
	store    store.Store
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a retention janitor running on the given interval.
func NewJanitor(s store.Store, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{store: s, interval: interval, now: time.Now}
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup.
	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one sweep across all tenants.
func (j *Janitor) runCycle(ctx context.Context) {
	start := j.now()
	tenants, err := j.store.ListTenants(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: tenant listing failed")
		return
	}

	total := 0
	for _, tenant := range tenants {
		purged, err := j.store.PurgeExpiredSubmissions(ctx, tenant.TenantID, start.UTC())
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenant.TenantID).Msg("Retention purge failed")
			continue
		}
		total += purged
	}

	if total > 0 {
		log.Info().
			Int("purged", total).
			Int("tenants", len(tenants)).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}
