// Package ratelimit implements the token bucket governing outbound order
// traffic to the destination venue. One token is spent per order or cancel.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mmengine/internal/clock"
)

// pollGranularity bounds how long Wait sleeps between acquisition attempts.
const pollGranularity = 100 * time.Millisecond

// Status is a snapshot of the bucket for reporting.
type Status struct {
	Tokens      float64
	Capacity    int
	RefillRate  float64
	Utilization float64
}

// TokenBucket is a continuous-refill token bucket. Tokens accumulate at
// refillRate per second up to capacity. Safe for concurrent callers.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int
	refillRate float64
	tokens     float64
	lastRefill time.Time
	clk        clock.Clock
}

// New creates a bucket with the given capacity and refill rate. The bucket
// starts full.
func New(capacity int, refillRate float64, clk clock.Clock) (*TokenBucket, error) {
	if capacity <= 0 || refillRate <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity and refill rate must be positive (capacity=%d rate=%f)", capacity, refillRate)
	}
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: clk.Now(),
		clk:        clk,
	}, nil
}

// TryAcquire refills based on elapsed time and deducts n tokens if
// available. Returns false without blocking when the bucket is short.
func (b *TokenBucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Wait blocks cooperatively until n tokens can be deducted or the context
// is cancelled. Wake-up granularity is at most 100ms.
func (b *TokenBucket) Wait(ctx context.Context, n int) error {
	if n > b.capacity {
		return fmt.Errorf("ratelimit: requested %d tokens exceeds capacity %d", n, b.capacity)
	}
	for {
		if b.TryAcquire(n) {
			return nil
		}
		wait := b.timeUntil(n)
		if wait > pollGranularity {
			wait = pollGranularity
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := b.clk.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Status refills and returns a snapshot of the bucket.
func (b *TokenBucket) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return Status{
		Tokens:      b.tokens,
		Capacity:    b.capacity,
		RefillRate:  b.refillRate,
		Utilization: (float64(b.capacity) - b.tokens) / float64(b.capacity),
	}
}

// refill credits tokens for elapsed wall time. Caller holds the lock.
func (b *TokenBucket) refill() {
	now := b.clk.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// timeUntil estimates how long until n tokens are available.
func (b *TokenBucket) timeUntil(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	missing := float64(n) - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.refillRate * float64(time.Second))
}
