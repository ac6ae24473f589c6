package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig controls the global token bucket and the per-IP lookup
// throttle. The per-IP throttle is backed by Redis when an address is
// configured, and by in-memory buckets otherwise.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	LookupLimit   int
	LookupWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	lookupLimit   int
	lookupWindow  time.Duration
	lookupMu      sync.Mutex
	lookupBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		lookupLimit:   cfg.LookupLimit,
		lookupWindow:  cfg.LookupWindow,
		lookupBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.lookupWindow <= 0 {
		rl.lookupWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.lookupLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowLookup rate limits channel lookups per client IP.
func (r *rateLimiter) AllowLookup(key string) (bool, time.Duration, error) {
	if r == nil || r.lookupLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("livesight:lookup:%s", key), r.lookupLimit, r.lookupWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.lookupMu.Lock()
	bucket, exists := r.lookupBuckets[key]
	if !exists {
		rate := float64(r.lookupLimit) / r.lookupWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.lookupWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.lookupLimit)}
		r.lookupBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.lookupMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.lookupBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.lookupWindow)
	for key, bucket := range r.lookupBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.lookupBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
