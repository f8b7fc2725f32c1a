// Package ratelimit implements a per-tenant token bucket rate limiter.
// Thread-safe. No background goroutines: tokens are refilled lazily on
// each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a tenant has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Buckets idle long enough to have fully refilled are indistinguishable
// from fresh ones, so they are evicted once the tenant map grows past
// this size. Keeps memory bounded under tenant churn.
const evictionThreshold = 10_000

// Limiter is a per-tenant token bucket rate limiter.
// Each tenant gets an independent bucket; one tenant cannot exhaust
// another's quota.
type Limiter struct {
	mu      sync.Mutex
	tenants map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		tenants: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow checks whether the tenant has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited when empty.
func (l *Limiter) Allow(tenantID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.tenants[tenantID]
	if !ok {
		if len(l.tenants) >= evictionThreshold {
			l.evictIdle(now)
		}
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.tenants[tenantID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// evictIdle drops buckets that have been idle long enough to refill
// completely. Must be called with l.mu held.
func (l *Limiter) evictIdle(now time.Time) {
	fullRefill := time.Duration(l.burst/l.rate) * time.Second
	for id, b := range l.tenants {
		if now.Sub(b.lastFill) > fullRefill {
			delete(l.tenants, id)
		}
	}
}
