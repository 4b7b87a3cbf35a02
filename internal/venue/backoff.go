package venue

import (
	"context"
	"errors"
	"time"
)

// backoffSchedule is the transient-error retry ladder: four attempts with
// growing pauses, then the last error surfaces to the caller's loop.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

// rateLimitCooldown is the default pause after a RateLimitError when the
// venue did not specify its own.
const rateLimitCooldown = 60 * time.Second

// WithRetry invokes fn under the retry policy. Rate-limit and retry-after
// errors sleep their mandated cooldown and consume an attempt; transient
// errors sleep the schedule slot. Cancellation propagates unconditionally
// and immediately.
func WithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for _, delay := range backoffSchedule {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err

		var authErr *AuthError
		if errors.As(err, &authErr) || errors.Is(err, ErrMissingMarket) {
			return zero, err
		}

		var rateLimit *RateLimitError
		var retryAfter *RetryAfterError
		switch {
		case errors.As(err, &rateLimit):
			wait := rateLimit.Wait
			if wait <= 0 {
				wait = rateLimitCooldown
			}
			if err := sleep(ctx, wait); err != nil {
				return zero, err
			}
		case errors.As(err, &retryAfter):
			if err := sleep(ctx, retryAfter.Wait); err != nil {
				return zero, err
			}
		default:
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
	}
	return zero, lastErr
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
