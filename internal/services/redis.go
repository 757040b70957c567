package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache provides caching and counters on top of Redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache client
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// Set stores a value in cache with expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes a key from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetNX sets a value only if key doesn't exist (useful for locks)
func (c *RedisCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, key, data, expiration).Result()
}

// Increment increments a counter
func (c *RedisCache) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire sets a TTL on an existing key
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client for advanced operations
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// VerifyLimiter caps how often the gateway's status endpoint may be hit for a
// single reference. The verify endpoint is rate limited on the gateway side,
// so the engine checks the limiter before every direct verification.
type VerifyLimiter interface {
	// Allow reports whether one more verify call for the reference is fine
	// right now.
	Allow(ctx context.Context, reference string) bool
}

// RedisVerifyLimiter is a fixed-window counter per reference, shared between
// every process that might verify the same reference (web server, worker).
type RedisVerifyLimiter struct {
	Cache  *RedisCache
	Limit  int64
	Window time.Duration
	Logger *zap.Logger
}

func (l *RedisVerifyLimiter) Allow(ctx context.Context, reference string) bool {
	key := fmt.Sprintf("verify_rl:%s", reference)
	n, err := l.Cache.Increment(ctx, key)
	if err != nil {
		// Fail open: a broken limiter must not stall reconciliation.
		if l.Logger != nil {
			l.Logger.Warn("verify limiter unavailable", zap.Error(err))
		}
		return true
	}
	if n == 1 {
		if err := l.Cache.Expire(ctx, key, l.Window); err != nil && l.Logger != nil {
			l.Logger.Warn("verify limiter expire failed", zap.Error(err))
		}
	}
	return n <= l.Limit
}
