package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the window, admits if under the limit and
// reports {allowed, count, resetMs} in one atomic step.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
	redis.call("ZADD", key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call("PEXPIRE", key, window)

local reset = now + window
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

// RedisLimiter is a sliding-window limiter shared by every gateway replica
// that points at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter over an existing client.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "magi:ratelimit:",
		now:    time.Now,
	}
}

// NewRedisClient parses redisURL, configures the pool and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: connect to redis: %w", err)
	}
	return client, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.now().UnixMilli()
	vals, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		now, l.window.Milliseconds(), l.limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: run window script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply %v", vals)
	}

	return Result{
		Allowed:   vals[0] == 1,
		Limit:     l.limit,
		Remaining: max(l.limit-int(vals[1]), 0),
		Reset:     time.UnixMilli(vals[2]),
	}, nil
}

// Close closes the underlying client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
