package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles commands on a single control session using a token
// bucket from golang.org/x/time/rate.
//
// A zero rate disables limiting. All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing commandsPerSecond sustained and burst
// commands at once.
//
// When burst is zero it defaults to commandsPerSecond so the first second of
// a session is never throttled.
func New(commandsPerSecond, burst uint) *RateLimiter {
	if commandsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = commandsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(commandsPerSecond), int(burst)),
	}
}

// Allow reports whether one more command may run now, consuming a token if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Unlimited reports whether the limiter lets everything through.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}
