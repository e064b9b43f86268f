package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a sliding-window limiter on Redis sorted sets, shared
// across worker instances. Each attempt is a member scored by timestamp; the
// Lua script trims the window, counts, and admits atomically. Falls back to
// the in-memory token bucket when Redis is unreachable.
type RedisRateLimiter struct {
	client   *redis.Client
	window   time.Duration
	fallback *TokenBucketLimiter
	logger   *slog.Logger
}

func NewRedisRateLimiter(client *redis.Client, window time.Duration, logger *slog.Logger) *RedisRateLimiter {
	if window == 0 {
		window = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimiter{
		client:   client,
		window:   window,
		fallback: NewTokenBucketLimiter(),
		logger:   logger,
	}
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
end
return 0
`)

func (l *RedisRateLimiter) Allow(ctx context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("callrelay:ratelimit:%s", tenantID)
	now := time.Now().UnixMilli()

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{key},
		now, l.window.Milliseconds(), limit, uuid.NewString(),
	).Int()
	if err != nil {
		l.logger.Warn("redis rate limiter unavailable, using in-memory fallback", "error", err)
		return l.fallback.Allow(ctx, tenantID, limit)
	}
	return res == 1, nil
}
