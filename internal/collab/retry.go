package collab

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds retries of collaborator calls with exponential backoff.
type RetryPolicy struct {
	Initial     time.Duration // first delay
	Factor      float64       // backoff multiplier
	Cap         time.Duration // max delay between attempts
	MaxAttempts int
}

// DefaultRetryPolicy returns the engine-wide collaborator retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     1 * time.Second,
		Factor:      2,
		Cap:         60 * time.Second,
		MaxAttempts: 10,
	}
}

// Retry runs fn until it succeeds, the policy is exhausted, or ctx is done.
// Returns the last error once attempts run out.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	delay := policy.Initial
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.Factor)
		if delay > policy.Cap {
			delay = policy.Cap
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxAttempts, lastErr)
}
