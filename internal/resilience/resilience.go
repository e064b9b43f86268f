// Package resilience protects tenant delivery endpoints from overload:
// per-endpoint rate limiting and circuit breaking, with in-memory and
// Redis-backed implementations behind common interfaces.
package resilience

import "context"

// RateLimiter gates delivery attempts per tenant endpoint.
type RateLimiter interface {
	// Allow reports whether an attempt for the tenant is allowed right now,
	// given the tenant's attempts-per-second limit.
	Allow(ctx context.Context, tenantID string, limit int) (bool, error)
}

// CircuitBreaker stops attempts against endpoints that keep failing.
type CircuitBreaker interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
	RecordSuccess(ctx context.Context, tenantID string)
	RecordFailure(ctx context.Context, tenantID string)
}
