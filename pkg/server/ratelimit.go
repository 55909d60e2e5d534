// Copyright 2025 Archon Governance Systems
//
// Token-bucket rate limiter, extracted from the teacher's
// bundle_handlers.go RateLimiter/tokenBucket pair (there scoped to an
// API-key client; here keyed by remote address, since the Read API is
// public and unauthenticated and every caller is rate-limited
// identically).

package server

import (
	"sync"
	"time"
)

// RateLimiter is a simple per-key token bucket rate limiter.
type RateLimiter struct {
	buckets    map[string]*tokenBucket
	mu         sync.Mutex
	ratePerMin int
}

type tokenBucket struct {
	tokens    int
	lastFill  time.Time
	maxTokens int
}

// NewRateLimiter constructs a RateLimiter admitting ratePerMinute requests
// per key per minute, refilled continuously.
func NewRateLimiter(ratePerMinute int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*tokenBucket),
		ratePerMin: ratePerMinute,
	}
}

// Allow reports whether a request from key may proceed, consuming one
// token if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: rl.ratePerMin, lastFill: time.Now(), maxTokens: rl.ratePerMin}
		rl.buckets[key] = bucket
	}

	elapsed := time.Since(bucket.lastFill)
	tokensToAdd := int(elapsed.Minutes() * float64(rl.ratePerMin))
	if tokensToAdd > 0 {
		bucket.tokens = min(bucket.tokens+tokensToAdd, bucket.maxTokens)
		bucket.lastFill = time.Now()
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}
