package routing

import (
	"context"
	"encoding/json"
	"time"

	"mmproc/internal/common/cache"
)

const (
	routingCacheKeyPrefix  = "routing:"
	defaultRoutingTTL      = 5 * time.Minute
	defaultRoutingEmptyTTL = 30 * time.Second
)

// Backend is a Store that can also persist records.
type Backend interface {
	Store
	Upsert(ctx context.Context, rec Record) error
}

// CachedStore fronts a Backend with a read-through cache. Misses are cached
// for a shorter period so unknown keys do not hammer the database.
type CachedStore struct {
	backend  Backend
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewCachedStore(backend Backend, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = defaultRoutingTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultRoutingEmptyTTL
	}
	return &CachedStore{backend: backend, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

var recordCodec = cache.Codec[Record]{
	Encode: func(r Record) (string, error) {
		data, err := json.Marshal(r)
		return string(data), err
	},
	Decode: func(data string) (Record, error) {
		var rec Record
		err := json.Unmarshal([]byte(data), &rec)
		return rec, err
	},
}

func (s *CachedStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if s.cache == nil {
		return s.backend.Get(ctx, key)
	}
	return cache.ReadThrough(ctx, s.cache, routingCacheKey(key), cache.JitterTTL(s.ttl), s.emptyTTL, recordCodec,
		func(ctx context.Context) (Record, bool, error) {
			return s.backend.Get(ctx, key)
		})
}

// Upsert writes through to the backend and evicts the cached entry.
func (s *CachedStore) Upsert(ctx context.Context, rec Record) error {
	if s.cache == nil {
		return s.backend.Upsert(ctx, rec)
	}
	return cache.WriteThenEvict(ctx, s.cache, routingCacheKey(rec.Key), func(ctx context.Context) error {
		return s.backend.Upsert(ctx, rec)
	})
}

func routingCacheKey(key string) string {
	return routingCacheKeyPrefix + key
}
