package cache

import (
	"context"
	"time"
)

// Cache is what the routing read-through and the stored-token credential
// source need from Redis. Get returns "" with a nil error on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
