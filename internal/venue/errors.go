package venue

import (
	"errors"
	"fmt"
	"time"
)

// The retry wrapper classifies failures into this taxonomy:
//
//   - RateLimitError: the venue is throttling; sleep 60s (or the venue's
//     own hint) before the next attempt.
//   - RetryAfterError: the remote supplied an exact wait; honor it.
//   - AuthError: credentials missing or rejected; not retryable.
//   - ErrMissingMarket: the venue does not list the symbol; skip it.
//
// Anything else is treated as a transient network error and retried on the
// exponential schedule.

// RateLimitError signals venue-side throttling.
type RateLimitError struct {
	Venue string
	// Wait is the venue-specified cooldown; zero means use the default.
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("%s: rate limited, retry in %s", e.Venue, e.Wait)
	}
	return fmt.Sprintf("%s: rate limited", e.Venue)
}

// RetryAfterError carries an exact wait supplied by the remote end (the
// delivery channel's retry_after, or an HTTP Retry-After header).
type RetryAfterError struct {
	Wait time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.Wait)
}

// AuthError marks operations that need credentials the venue does not have.
type AuthError struct {
	Venue string
	Op    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s requires authentication", e.Venue, e.Op)
}

// ErrMissingMarket is returned when a venue does not list a symbol.
var ErrMissingMarket = errors.New("market not listed on venue")

// ErrNotInitialized is returned by Registry.Exchange before Setup completes.
var ErrNotInitialized = errors.New("venue not initialized")
