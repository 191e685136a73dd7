package auth

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
)

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Factor   float64
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 100 * time.Millisecond, Factor: 2, Max: 2 * time.Second}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// retryStore retries fn while the session store reports itself unavailable.
// Other errors return immediately.
func retryStore[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	out, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !errors.Is(err, repository.ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		last = err
		return v, err
	}, backoff.WithBackOff(p.backOff()), backoff.WithMaxTries(uint(attempts)))
	if err != nil && ctx.Err() != nil && last != nil {
		// Report the store failure rather than the cancellation.
		return out, last
	}
	return out, err
}
