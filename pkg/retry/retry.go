package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default for short-lived transient failures.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc decides if an error is transient and should be retried.
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(policy, attempt)):
		}
	}
	return err
}

// Backoff returns the jittered delay for the given zero-based attempt:
// min(max, initial * 2^attempt) plus up to 50% random jitter.
func Backoff(policy Policy, attempt int) time.Duration {
	d := float64(policy.InitialBackoff) * math.Pow(2, float64(attempt))
	if d > float64(policy.MaxBackoff) {
		d = float64(policy.MaxBackoff)
	}
	jitter := rand.Float64() * d / 2
	return time.Duration(d + jitter)
}
