package task

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// unboundedRetryCap applies when no maximum delay is configured.
const unboundedRetryCap = 24 * time.Hour

// RetryDelay returns the wait before retry number attempt (1-based):
// base doubled per attempt, never more than maxDelay.
func RetryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if maxDelay <= 0 {
		maxDelay = unboundedRetryCap
	}
	if attempt < 1 {
		attempt = 1
	}

	b := retry.WithCappedDuration(maxDelay, retry.NewExponential(base))

	var d time.Duration
	for i := 0; i < attempt; i++ {
		// Stop at the cap, before the shift can overflow.
		if d, _ = b.Next(); d >= maxDelay {
			break
		}
	}
	return d
}

// persistBackoff retries a state write a few times on transient store errors.
func persistBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
}

// persist runs a guarded store write, retrying store errors.
func persist(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	return retry.DoValue(ctx, persistBackoff(), func(ctx context.Context) (bool, error) {
		ok, err := fn(ctx)
		if err != nil {
			return false, retry.RetryableError(err)
		}
		return ok, nil
	})
}
