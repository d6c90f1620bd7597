// Package redis implements the ephemeral counter contract on Redis for
// multi-node deployments where rate windows and failed-attempt counters
// must be shared across instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "keygate:counter:"

// CounterStore implements security.CounterStore on Redis. INCR is the
// atomic increment-and-get; the TTL is attached when the key is born and
// Redis expiry replaces explicit cleanup.
type CounterStore struct {
	client *redis.Client
}

// NewCounterStore wraps an existing client.
func NewCounterStore(client *redis.Client) *CounterStore {
	return &CounterStore{client: client}
}

// Connect opens and verifies a Redis client.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *CounterStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := keyPrefix + key
	n, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, full, ttl).Err(); err != nil {
			return n, fmt.Errorf("redis expire: %w", err)
		}
	}
	return n, nil
}

func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, keyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func (s *CounterStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Cleanup is a no-op: Redis evicts expired keys natively.
func (s *CounterStore) Cleanup(context.Context) (int, error) {
	return 0, nil
}
