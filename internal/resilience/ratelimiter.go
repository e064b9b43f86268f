package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter maintains one token-bucket limiter per tenant endpoint,
// created lazily with double-checked locking. Independent buckets keep one
// slow destination from starving the rest.
//
// Uses golang.org/x/time/rate, the Go team's token bucket.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewTokenBucketLimiter() *TokenBucketLimiter {
	return &TokenBucketLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *TokenBucketLimiter) Allow(_ context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	return l.limiter(tenantID, limit).Allow(), nil
}

func (l *TokenBucketLimiter) limiter(tenantID string, limit int) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[tenantID]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limiters[tenantID]; ok {
		return lim
	}

	burst := limit/10 + 1
	lim = rate.NewLimiter(rate.Limit(limit), burst)
	l.limiters[tenantID] = lim
	return lim
}

// Remove frees the limiter for a tenant, e.g. after deprovisioning.
func (l *TokenBucketLimiter) Remove(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, tenantID)
}
