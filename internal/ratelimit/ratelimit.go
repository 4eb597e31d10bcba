// Package ratelimit limits inbound traffic per peer.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Limiter is a keyed token-bucket limiter: each key gets its own bucket of
// burst tokens refilled at rate per second.
type Limiter struct {
	bucket *limiter.TokenBucket
}

// New creates a Limiter allowing rate events per second per key, with the
// given burst.
func New(rate, burst int) (*Limiter, error) {
	if rate <= 0 || burst <= 0 {
		return nil, fmt.Errorf("ratelimit: rate and burst must be positive (got %d, %d)", rate, burst)
	}
	tb, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(rate),
		Duration: time.Second,
		Burst:    int64(burst),
	}, store.NewMemoryStore(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	return &Limiter{bucket: tb}, nil
}

// Allow reports whether one more event from key is within its budget.
func (l *Limiter) Allow(key string) bool {
	return l.bucket.Allow(key)
}
