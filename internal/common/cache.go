package common

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lgulliver/conduit/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Cache wraps Redis client for JSON hash operations
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(cfg *config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cache := &Cache{client: client}
	if err := cache.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return cache, nil
}

// NewCacheFromClient wraps an existing Redis client
func NewCacheFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// HSetJSON stores values as JSON fields of the hash at key
func (c *Cache) HSetJSON(ctx context.Context, key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal field %s: %w", field, err)
		}
		args = append(args, field, data)
	}
	return c.client.HSet(ctx, key, args...).Err()
}

// HGetAllRaw returns every field of the hash at key
func (c *Cache) HGetAllRaw(ctx context.Context, key string) (map[string]string, error) {
	values, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hash: %w", err)
	}
	return values, nil
}

// HDel removes fields from the hash at key
func (c *Cache) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return c.client.HDel(ctx, key, fields...).Err()
}

// Ping checks connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}
