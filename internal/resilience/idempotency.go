package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyWindow is how long a key answers "already seen". Providers
// retry within hours, not days.
const IdempotencyWindow = 24 * time.Hour

// IdempotencyCache is the Redis fast path in front of the database
// uniqueness constraint: SET NX answers repeat deliveries of the same
// provider event without a Postgres round trip. The constraint remains the
// source of truth; a cache miss (or Redis outage) just falls through to the
// idempotent insert.
type IdempotencyCache struct {
	client *redis.Client
	logger *slog.Logger
}

func NewIdempotencyCache(client *redis.Client, logger *slog.Logger) *IdempotencyCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCache{client: client, logger: logger}
}

// Seen reports whether the key was marked by a prior accepted delivery.
// Read-only: a storage or enqueue failure after this check must leave no
// trace, so the provider's retry still reaches the insert. Errors degrade to
// "not seen" so Redis downtime never drops events.
func (c *IdempotencyCache) Seen(ctx context.Context, tenantID, idempotencyKey string) bool {
	if c == nil || c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, cacheKey(tenantID, idempotencyKey)).Result()
	if err != nil {
		c.logger.Warn("idempotency cache unavailable", "error", err)
		return false
	}
	return n > 0
}

// Mark records the key once the event is persisted and its tasks enqueued.
// Best effort; the database constraint catches anything the cache misses.
func (c *IdempotencyCache) Mark(ctx context.Context, tenantID, idempotencyKey string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(tenantID, idempotencyKey), 1, IdempotencyWindow).Err(); err != nil {
		c.logger.Warn("idempotency cache unavailable", "error", err)
	}
}

func cacheKey(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("callrelay:idem:%s:%s", tenantID, idempotencyKey)
}
