package imap

import (
	"context"
	"math/rand"
	"time"
)

const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
	maxAttempts    = 5
)

// withRetry retries fn on transient connection errors (drops, NO/BYE)
// with jittered exponential backoff capped at retryMaxDelay, up to
// maxAttempts total tries. isPermanent callers pass classify permanent
// failures (e.g. auth) so they fail fast instead of burning the budget.
func withRetry(ctx context.Context, isPermanent func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if isPermanent != nil && isPermanent(err) {
			return err
		}
	}
	return lastErr
}

// withRetryValue is withRetry for calls that also return a value, so callers
// don't have to declare an intermediate variable of the library's (often
// unexported) result type just to capture it across the closure.
func withRetryValue[T any](ctx context.Context, isPermanent func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	err := withRetry(ctx, isPermanent, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay * time.Duration(uint(1)<<uint(attempt-1))
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
