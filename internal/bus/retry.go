package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds publish retries.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy gives three attempts between one and ten seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// retry runs op until it succeeds, the policy is exhausted or ctx ends.
func retry(ctx context.Context, p RetryPolicy, op func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return op()
	}, p.backOff(ctx))
	if err != nil {
		return fmt.Errorf("after %d attempt(s): %w", attempt, err)
	}
	return nil
}

// connectWithRetry keeps trying connect for up to maxElapsed.
func connectWithRetry(maxElapsed time.Duration, connect func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.MaxElapsedTime = maxElapsed
	return backoff.Retry(connect, exp)
}
