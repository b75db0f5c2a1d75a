package cooldown

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard is a Guard shared by every process pointing at the same Redis.
// Keys are taken with SET NX and expire on their own.
type RedisGuard struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// RedisGuardOptions configures the Redis guard.
type RedisGuardOptions struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379/0)
	URL string

	// Prefix is prepended to all keys (e.g., "churnwatch:")
	Prefix string

	// ConnectTimeout bounds the initial ping.
	ConnectTimeout time.Duration
}

// NewRedisGuard connects to Redis and verifies the connection.
func NewRedisGuard(opts RedisGuardOptions) (*RedisGuard, error) {
	if opts.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisGuard{client: client, prefix: opts.Prefix}, nil
}

func (g *RedisGuard) key(k string) string {
	return g.prefix + "cooldown:" + k
}

func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if g.closed.Load() {
		return false, ErrGuardClosed
	}
	ok, err := g.client.SetNX(ctx, g.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if g.closed.Load() {
		return ErrGuardClosed
	}
	if err := g.client.Del(ctx, g.key(key)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	return g.client.Close()
}
