package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend keeps task blobs as plain string values under Prefix+key.
type RedisBackend struct {
	Client *redis.Client
	Prefix string
}

// NewRedisBackend connects and pings the server once.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return &RedisBackend{Client: client, Prefix: opts.Prefix}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.Client.Get(ctx, r.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMissing
	}
	return b, err
}

func (r *RedisBackend) Put(ctx context.Context, key string, data []byte) error {
	return r.Client.Set(ctx, r.Prefix+key, data, 0).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.Client.Del(ctx, r.Prefix+key).Err()
}

func (r *RedisBackend) Close() error {
	return r.Client.Close()
}
