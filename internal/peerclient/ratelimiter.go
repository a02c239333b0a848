package peerclient

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by every request of one client.
// Tokens are refilled lazily on Wait, so an idle limiter costs nothing.
type RateLimiter struct {
	mu       sync.Mutex
	burst    float64
	tokens   float64
	interval time.Duration // time to earn one token
	last     time.Time
}

// NewRateLimiter allows requestsPerPeriod requests per period, starting
// with a full bucket
func NewRateLimiter(requestsPerPeriod int, period time.Duration) *RateLimiter {
	if requestsPerPeriod <= 0 {
		requestsPerPeriod = 1
	}
	interval := period / time.Duration(requestsPerPeriod)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &RateLimiter{
		burst:    float64(requestsPerPeriod),
		tokens:   float64(requestsPerPeriod),
		interval: interval,
		last:     time.Now(),
	}
}

// reserve takes a token if one is available, otherwise returns how long
// until the next one is earned
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += float64(now.Sub(rl.last)) / float64(rl.interval)
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.last = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return time.Duration((1 - rl.tokens) * float64(rl.interval))
}

// Wait blocks until a token is available or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		delay := rl.reserve()
		if delay == 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
