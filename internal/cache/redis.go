package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "carebridge:activity:"

// RedisCache is an ActivityCache backed by Redis, for deployments running
// more than one process against the same store.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis at addr and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("RedisCache ping failed", "addr", addr, "error", err)
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	slog.Info("RedisCache connected", "addr", addr, "db", db)
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := c.client.Get(ctx, redisKeyPrefix+userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		slog.Error("RedisCache Get failed", "userID", userID, "error", err)
		return time.Time{}, false, fmt.Errorf("failed to get activity for %s: %w", userID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		// A corrupt entry is treated as a miss rather than a hard failure.
		slog.Warn("RedisCache Get found unparseable entry", "userID", userID, "value", val)
		return time.Time{}, false, nil
	}
	return at, true, nil
}

func (c *RedisCache) Set(ctx context.Context, userID string, at time.Time) error {
	err := c.client.Set(ctx, redisKeyPrefix+userID, at.Format(time.RFC3339Nano), c.ttl).Err()
	if err != nil {
		slog.Error("RedisCache Set failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to set activity for %s: %w", userID, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+userID).Err(); err != nil {
		slog.Error("RedisCache Invalidate failed", "userID", userID, "error", err)
		return fmt.Errorf("failed to invalidate activity for %s: %w", userID, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
