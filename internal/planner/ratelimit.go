package planner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	requestsPerMinute  = 60
	burstSize          = 10
	defaultAcquireWait = 30 * time.Second
)

// Limiter is a token bucket shared by every planner call in the process.
// It refills at requestsPerMinute and allows short bursts up to burstSize.
type Limiter struct {
	mu sync.Mutex
	rl *rate.Limiter
}

// NewLimiter returns a limiter at the default planner rate.
func NewLimiter() *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(requestsPerMinute)/60.0, burstSize)}
}

// Acquire blocks until a token is available or the context expires.
// Contexts without a deadline are bounded at defaultAcquireWait so a
// drained bucket cannot stall a turn forever.
func (l *Limiter) Acquire(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultAcquireWait)
		defer cancel()
	}
	l.mu.Lock()
	rl := l.rl
	l.mu.Unlock()
	return rl.Wait(ctx)
}

// TryAcquire takes a token if one is available right now.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	rl := l.rl
	l.mu.Unlock()
	return rl.Allow()
}

// Tokens reports how many tokens remain in the bucket.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	rl := l.rl
	l.mu.Unlock()
	return rl.Tokens()
}

// Reset discards the bucket and starts a fresh one at full burst.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.rl = rate.NewLimiter(rate.Limit(requestsPerMinute)/60.0, burstSize)
	l.mu.Unlock()
}
