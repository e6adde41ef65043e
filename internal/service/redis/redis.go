package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

// NewRedisFromURL connects using a redis:// or rediss:// url and checks the
// server answers.
func NewRedisFromURL(ctx context.Context, rawURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}

	svc := NewRedis(redis.NewClient(opts))
	if err := svc.Ping(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return svc, nil
}

func (r *RedisService) Publish(ctx context.Context, channel string, message any) error {
	return r.rdb.Publish(ctx, channel, message).Err()
}

func (r *RedisService) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return r.rdb.PSubscribe(ctx, patterns...)
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}
