package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a CounterStore shared across processes
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps an existing client
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// DialRedis connects to addr and checks the connection
func DialRedis(ctx context.Context, addr string) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisCounter(client), nil
}

func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// first hit opens the window
	if n == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}

func (r *RedisCounter) Get(ctx context.Context, key string) (int, error) {
	n, err := r.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *RedisCounter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Close releases the client
func (r *RedisCounter) Close() error {
	return r.client.Close()
}
