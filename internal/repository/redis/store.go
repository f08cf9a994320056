package redis

import (
	"context"
	"time"
)

// Store is the part of client.RedisClient the caches rely on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

const opTimeout = 2 * time.Second
