package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStorageProvider implements StorageProvider over the same client a
// RedisStore uses, so ExecutionStore can share a connection pool with it
// in a single process.
type RedisStorageProvider struct {
	client *redis.Client
}

func NewRedisStorageProvider(client *redis.Client) *RedisStorageProvider {
	return &RedisStorageProvider{client: client}
}

func (p *RedisStorageProvider) Get(ctx context.Context, key string) (string, error) {
	v, err := p.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (p *RedisStorageProvider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.client.Set(ctx, key, value, ttl).Err()
}

func (p *RedisStorageProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	return p.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (p *RedisStorageProvider) ListByScoreDesc(ctx context.Context, key string, offset, count int64) ([]string, error) {
	return p.client.ZRevRange(ctx, key, offset, offset+count-1).Result()
}

func (p *RedisStorageProvider) RemoveFromIndex(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return p.client.ZRem(ctx, key, args...).Err()
}
