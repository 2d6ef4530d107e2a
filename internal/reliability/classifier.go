package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableAICode classifies retryable upstream pipeline error codes.
// Auth and validation failures are terminal; pressure and transient server
// faults are worth one more attempt.
func IsRetryableAICode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow", "server_error", "session_expired":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// RetryOnce runs fn, and on failure waits backoff and runs it one more time.
// A mid-call stage restart gets exactly one retry; repeated failures must
// surface to the caller so the session can fail cleanly instead of looping.
func RetryOnce(ctx context.Context, backoff time.Duration, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}
	return fn(ctx)
}
