package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pending = "pending"

type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore shares idempotency keys across server instances
type RedisStore struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to a standalone Redis and verifies it answers
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return newRedisStore(client, ttl), nil
}

func newRedisStore(client redisClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "idempotency:", ttl: ttl}
}

func (s *RedisStore) Begin(ctx context.Context, key string) (*Response, bool, error) {
	k := s.prefix + key
	ok, err := s.client.SetNX(ctx, k, pending, s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	val, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; treat as in progress and let the client retry
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if val == pending {
		return nil, false, nil
	}
	var resp Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode stored response: %w", err)
	}
	return &resp, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, resp Response) error {
	val, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, val, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
