package server

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"FlipSettle/internal/apperr"
	"FlipSettle/internal/settlement"
)

// RetryPolicy bounds how long a caller that asked to wait for resolution
// is held at the boundary.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetryPolicy is roughly fifteen seconds of waiting.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 10, Interval: 1500 * time.Millisecond}
}

// Resolver is the engine surface ResolveWithRetry needs.
type Resolver interface {
	Resolve(ctx context.Context, roundID string) (settlement.ResolveResult, error)
}

// ResolveWithRetry calls Resolve until it succeeds, fails with a
// non-retryable error, or the attempts run out. The last error is returned.
func ResolveWithRetry(ctx context.Context, r Resolver, roundID string, p RetryPolicy) (settlement.ResolveResult, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	op := func() (settlement.ResolveResult, error) {
		res, err := r.Resolve(ctx, roundID)
		if err != nil && !apperr.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
	)
}
