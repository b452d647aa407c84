// Package deliver implements the fan-out delivery pipeline: the retry
// controller, the per-destination delivery state machine, and the
// orchestrator that runs them for every submission.received event.
package deliver

import (
	"math/rand"
	"time"

	"github.com/formbridge/formbridge/pkg/models"
)

// Decide is the single source of truth for retry math. Given the upcoming
// attempt number and the destination's policy, it reports whether that
// attempt may run and the delay to wait before it.
//
// The delay is full-jitter multiplicative backoff:
//
//	delay_n = min(max_delay, base_delay * 2^(n-1)) * U(0.5, 1.5)
//
// where n is the upcoming attempt number. Attempt numbers beyond MaxAttempts
// are refused. The first attempt is never delayed by the state machine; its
// nominal delay is still computed here so the schedule has one definition.
func Decide(upcomingAttempt int, policy models.RetryPolicy, rng *rand.Rand) (bool, time.Duration) {
	if upcomingAttempt < 1 || upcomingAttempt > policy.MaxAttempts {
		return false, 0
	}

	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	cap := policy.MaxDelay
	if cap <= 0 {
		cap = 60 * time.Second
	}

	delay := base
	for i := 1; i < upcomingAttempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	if delay > cap {
		delay = cap
	}

	jitter := 0.5 + rng.Float64() // U(0.5, 1.5)
	return true, time.Duration(float64(delay) * jitter)
}
