package util

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds retry behaviour: attempt count, exponential backoff
// schedule, and jitter. Carried in configuration so operators can tune it
// without code changes.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // caps the exponential growth; 0 means uncapped
}

// DefaultRetryPolicy is the policy used when configuration leaves retry
// settings empty.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// Retry calls fn up to policy.MaxAttempts times with exponential backoff and
// full jitter. It returns nil on the first successful call. When retryable
// is non-nil and reports false for an error, that error is returned
// immediately without further attempts. Context cancellation between
// attempts also stops the loop.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryPolicy.MaxAttempts
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = DefaultRetryPolicy.BaseDelay
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < attempts-1 {
			sleep := time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
	}

	return err
}
