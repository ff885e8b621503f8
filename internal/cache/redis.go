// Package cache keeps recently committed idempotency keys in Redis so a
// retried delivery can be answered without opening a transaction.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotency(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisIdempotency, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisIdempotency{client: client, ttl: ttl}, nil
}

func (c *RedisIdempotency) Seen(ctx context.Context, eventType, key string) (bool, error) {
	err := c.client.Get(ctx, cacheKey(eventType, key)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisIdempotency) Remember(ctx context.Context, eventType, key string) error {
	return c.client.Set(ctx, cacheKey(eventType, key), 1, c.ttl).Err()
}

func (c *RedisIdempotency) Close() error {
	return c.client.Close()
}

func cacheKey(eventType, key string) string {
	return "idem:" + eventType + ":" + key
}
