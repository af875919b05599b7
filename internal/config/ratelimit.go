package config

import (
	"sync"
	"time"
)

// RateLimiter limits publishes per connection inside a fixed window
type RateLimiter struct {
	limits map[string]*connRateLimit
	mutex  sync.Mutex
	config *ServerConfig
	now    func() time.Time
}

type connRateLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *ServerConfig) *RateLimiter {
	return &RateLimiter{
		limits: make(map[string]*connRateLimit),
		config: config,
		now:    time.Now,
	}
}

// Allow reports whether connID may send another frame and counts it
func (rl *RateLimiter) Allow(connID string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if !rl.config.EnableRateLimit {
		return true
	}

	now := rl.now()
	limit, exists := rl.limits[connID]
	if !exists || now.Sub(limit.windowStart) > rl.config.RateLimitWindow {
		limit = &connRateLimit{windowStart: now}
		rl.limits[connID] = limit
	}

	if limit.count >= rl.config.RateLimitMessages {
		return false
	}
	limit.count++
	return true
}

// Status returns remaining frames, the window size and the time until reset
func (rl *RateLimiter) Status(connID string) (int, int, time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	limit, exists := rl.limits[connID]
	if !exists {
		return rl.config.RateLimitMessages, rl.config.RateLimitMessages, rl.config.RateLimitWindow
	}

	remaining := rl.config.RateLimitMessages - limit.count
	if remaining < 0 {
		remaining = 0
	}
	timeRemaining := rl.config.RateLimitWindow - rl.now().Sub(limit.windowStart)
	if timeRemaining < 0 {
		timeRemaining = 0
	}
	return remaining, rl.config.RateLimitMessages, timeRemaining
}

// Forget drops the window of a disconnected connection
func (rl *RateLimiter) Forget(connID string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.limits, connID)
}

// Configure swaps in new limits on config reload. Open windows keep their
// counts.
func (rl *RateLimiter) Configure(cfg *ServerConfig) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	rl.config = cfg
}
