package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps scope records in Redis
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a new Redis-backed scope store
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBackendWithClient(client), nil
}

// NewRedisBackendWithClient creates a backend from an existing Redis client
func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "scope:",
	}
}

func (b *RedisBackend) key(id string) string {
	return b.prefix + id
}

func (b *RedisBackend) Get(ctx context.Context, id string) (Record, bool, error) {
	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup scope record: %w", err)
	}

	record := Record{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, false, fmt.Errorf("unmarshal scope record: %w", err)
	}
	return record, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, id string, record Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal scope record: %w", err)
	}
	if err := b.client.Set(ctx, b.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("save scope record: %w", err)
	}
	return nil
}

func (b *RedisBackend) Replace(ctx context.Context, id string, record Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal scope record: %w", err)
	}
	replaced, err := b.client.SetXX(ctx, b.key(id), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("replace scope record: %w", err)
	}
	if !replaced {
		return ErrRecordVanished
	}
	return nil
}

// Close closes the Redis connection
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Ping checks if Redis is reachable
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
