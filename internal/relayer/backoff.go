// backoff.go - Capped exponential backoff for transient transport failures.
//
// This is the top-level network-fetch retry policy, distinct from the
// fixed-interval confirmation polling in internal/poll: backoff here spaces
// re-sends of an idempotent read that failed in transit, while poll spaces
// observations of state that has not converged yet.

package relayer

import "time"

const (
	baseDelay = 500 * time.Millisecond
	maxDelay  = 30 * time.Second
)

// backoffDelay returns baseDelay * 2^attempt, capped at maxDelay.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		return baseDelay
	}
	// 2^26 * 500ms already exceeds maxDelay by orders of magnitude.
	if attempt > 26 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
