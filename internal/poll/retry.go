// retry.go - Bounded fixed-interval polling for eventually-consistent remote state.
//
// Submission acknowledgement and on-chain confirmation are decoupled events in
// this system, so every relayer/chain observation goes through Retry rather
// than trusting a single response. Polling is fixed-interval by design; the
// capped exponential backoff used for transient transport failures lives in
// the relayer client, not here.

package poll

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt completed without the predicate
// becoming true. Callers surface it as a confirmation timeout. It never means
// a submission failed, only that completion was not yet observed, so the safe
// recovery is to poll again, not to re-send.
var ErrExhausted = errors.New("poll: attempts exhausted")

// Policy bounds a polling loop. Sleep may be overridden in tests to avoid
// real waiting; when nil, a timer honoring ctx cancellation is used.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Retry calls fn up to p.MaxAttempts times, spaced p.Interval apart, and
// returns the first result for which ok is true. An error from fn counts as
// an unsatisfied attempt and polling continues. Context cancellation stops
// the loop between attempts and during waits.
func Retry[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error), ok func(T) bool) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, ErrExhausted
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = wait
	}
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Interval); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := fn(ctx)
		if err == nil && ok(res) {
			return res, nil
		}
	}
	return zero, ErrExhausted
}

// wait blocks for d or until ctx is cancelled.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
