package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by concurrent callers of a remote
// API. Tokens refill continuously up to burst.
type RateLimiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter allows perMinute operations per minute with a burst of one.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstRateLimiter(perMinute, 1)
}

// NewBurstRateLimiter allows perMinute operations per minute and up to
// burst back-to-back calls. The bucket starts full.
func NewBurstRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		burst:    float64(burst),
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.take(time.Now())
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token if one is available, otherwise it returns how long
// to wait before the next token.
func (rl *RateLimiter) take(now time.Time) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastTime = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	if rl.rate <= 0 {
		return time.Second, false
	}
	wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}
