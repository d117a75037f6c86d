package executor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessions keeps warmed session tokens in Redis with an absolute TTL.
type RedisSessions struct {
	rdb *redis.Client
}

func NewRedisSessions(rdb *redis.Client) *RedisSessions {
	return &RedisSessions{rdb: rdb}
}

func (s *RedisSessions) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisSessions) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
