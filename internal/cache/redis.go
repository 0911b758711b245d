package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicbooking/internal/config"
	"clinicbooking/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	scanCount   = 200
	unlinkBatch = 500
)

type RedisCache struct {
	client *redis.Client
}

var _ domain.AvailabilityCache = (*RedisCache)(nil)

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.client == nil {
		return nil, false, errors.New("redis client is nil")
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.client == nil {
		return errors.New("redis client is nil")
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

// InvalidatePrefix collects every key under prefix with SCAN and then unlinks them in batches.
// Deleting while the cursor is live lets the server reorder its keyspace and skip keys.
func (c *RedisCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	if c.client == nil {
		return errors.New("redis client is nil")
	}

	var keys []string
	iter := c.client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan %s*: %w", prefix, err)
	}

	for start := 0; start < len(keys); start += unlinkBatch {
		end := min(start+unlinkBatch, len(keys))
		if err := c.client.Unlink(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("failed to unlink keys: %w", err)
		}
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return errors.New("redis client is nil")
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
