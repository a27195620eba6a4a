// Package credential caches a short-lived bearer token in process memory and
// refreshes it once it gets within a safety margin of its expiry.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mmproc/internal/common/metrics"
	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSafetyMargin = time.Minute
	defaultFetchTimeout = 5 * time.Second
)

// Token is a bearer credential and the instant it stops being valid.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Source fetches a fresh token.
type Source interface {
	Fetch(ctx context.Context) (Token, error)
}

// Cache serves the cached token until now >= expiresAt - margin. Concurrent
// callers that find it stale share a single fetch.
type Cache struct {
	source       Source
	margin       time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	token Token

	group singleflight.Group
}

// Options tune a Cache. Zero values select defaults.
type Options struct {
	SafetyMargin time.Duration
	FetchTimeout time.Duration
	Now          func() time.Time
}

func NewCache(source Source, opts Options) *Cache {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = defaultSafetyMargin
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		source:       source,
		margin:       opts.SafetyMargin,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
	}
}

// Token returns a valid bearer token, fetching one if needed.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok.Value, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		tok, err := c.source.Fetch(fetchCtx)
		metrics.RecordCredentialRefresh(err == nil)
		if err != nil {
			return Token{}, appErr.Wrapf(err, appErr.CredentialFetchFailed, "fetch credential")
		}
		if tok.Value == "" {
			return Token{}, appErr.Newf(appErr.CredentialFetchFailed, "credential source returned an empty token")
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		logger.Debug(ctx, "credential refreshed", zap.Time("expires_at", tok.ExpiresAt))
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Token).Value, nil
}

// Invalidate drops the cached token so the next call refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

func (c *Cache) cached() (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.Value == "" {
		return Token{}, false
	}
	if !c.now().Before(c.token.ExpiresAt.Add(-c.margin)) {
		return Token{}, false
	}
	return c.token, true
}

// StaticSource returns a fixed token. Useful for local runs.
type StaticSource struct {
	Value    string
	Lifetime time.Duration
}

func (s StaticSource) Fetch(context.Context) (Token, error) {
	if s.Value == "" {
		return Token{}, fmt.Errorf("static token is empty")
	}
	lifetime := s.Lifetime
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return Token{Value: s.Value, ExpiresAt: time.Now().Add(lifetime)}, nil
}
