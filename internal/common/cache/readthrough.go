package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"mmproc/pkg/utils/logger"

	"go.uber.org/zap"
)

// absentMarker is cached for keys the source does not know.
const absentMarker = "$ABSENT$"

// Codec converts values to and from their cached form.
type Codec[T any] struct {
	Encode func(T) (string, error)
	Decode func(string) (T, error)
}

// ReadThrough answers from the cache, falling back to load on a miss and
// caching the result: present values for ttl, absent ones for absentTTL.
// Cache faults are logged and never fail the read.
func ReadThrough[T any](
	ctx context.Context,
	c Cache,
	key string,
	ttl, absentTTL time.Duration,
	codec Codec[T],
	load func(context.Context) (T, bool, error),
) (T, bool, error) {
	var zero T

	cached, err := c.Get(ctx, key)
	switch {
	case err != nil:
		logger.Warn(ctx, "cache read failed", zap.String("key", key), zap.Error(err))
	case cached == absentMarker:
		return zero, false, nil
	case cached != "":
		if v, err := codec.Decode(cached); err == nil {
			return v, true, nil
		}
		logger.Warn(ctx, "cached value undecodable, reloading", zap.String("key", key))
	}

	v, found, err := load(ctx)
	if err != nil {
		return zero, false, err
	}
	if !found {
		store(ctx, c, key, absentMarker, absentTTL)
		return zero, false, nil
	}
	if encoded, err := codec.Encode(v); err == nil {
		store(ctx, c, key, encoded, ttl)
	}
	return v, true, nil
}

func store(ctx context.Context, c Cache, key, value string, ttl time.Duration) {
	if err := c.Set(ctx, key, value, ttl); err != nil {
		logger.Warn(ctx, "cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// WriteThenEvict runs write and drops key so the next read reloads.
func WriteThenEvict(ctx context.Context, c Cache, key string, write func(context.Context) error) error {
	if err := write(ctx); err != nil {
		return err
	}
	if err := c.Del(ctx, key); err != nil {
		logger.Warn(ctx, "cache evict failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// JitterTTL shortens ttl by up to 10% so entries written together do not
// expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
