package library

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts  = 6
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

type retryableFunc func(ctx context.Context) error

// retryOnConflict runs fn until it succeeds, fails with a non-conflict error,
// or runs out of attempts. Delays double from defaultBaseDelay with jitter.
func retryOnConflict(ctx context.Context, fn retryableFunc) error {
	var lastErr error

	for attempt := 0; attempt < defaultMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := defaultBaseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * defaultJitterFactor //nolint:gosec // jitter only

			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isConflict(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
