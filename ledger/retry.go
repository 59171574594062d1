package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a transient failure is retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     6,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// NewBackOff builds a jittered exponential schedule limited to MaxAttempts tries.
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs op until it succeeds, fails permanently or the budget runs out.
// Only transient errors are retried. An exhausted budget is reported as
// ErrUnavailable wrapping the last failure.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, p.NewBackOff(ctx))
	if err == nil {
		return nil
	}
	if Retryable(err) {
		return fmt.Errorf("%w: gave up after %d attempts: %w", ErrUnavailable, attempts, err)
	}
	return err
}

// Transact runs fn in a store transaction, retrying the whole transaction on
// concurrent modification and other transient store errors.
func Transact(ctx context.Context, s Store, p RetryPolicy, fn TxFunc) error {
	return p.Do(ctx, func() error {
		return s.Transact(ctx, fn)
	})
}
