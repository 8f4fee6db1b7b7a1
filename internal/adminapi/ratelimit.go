// Copyright 2025 James Ross
package adminapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiter hands out a per-client token bucket, lazily created on first
// use, so one noisy caller hammering purge/requeue cannot starve another.
// A perSecond <= 0 disables limiting entirely (allow always returns true).
type rateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	if rl.perSecond <= 0 {
		return true
	}

	rl.mu.Lock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.perSecond, rl.burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()

	return lim.Allow()
}
