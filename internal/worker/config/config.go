// Package config loads the challenge-scoped configuration a worker needs to
// launch scorer jobs and keeps it for the lifetime of the process.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mmproc/internal/common/storage"
	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	objectKeyFormat    = "challenges/%s/config.json"
	defaultLoadTimeout = 5 * time.Second
	maxConfigBytes     = 1 << 20
)

// ScorerConfig describes one sub-task launched per submission.
type ScorerConfig struct {
	Type   string            `json:"type"`
	Image  string            `json:"image,omitempty"`
	CPU    string            `json:"cpu,omitempty"`
	Memory string            `json:"memory,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	// Config is handed to the scorer verbatim.
	Config json.RawMessage `json:"config,omitempty"`
}

// ChallengeConfig is the per-key configuration document.
type ChallengeConfig struct {
	ChallengeID string         `json:"challengeId"`
	Image       string         `json:"image"`
	Scorers     []ScorerConfig `json:"scorers"`

	raw []byte
}

// SubTaskTypes lists configured scorer types in document order.
func (c *ChallengeConfig) SubTaskTypes() []string {
	types := make([]string, 0, len(c.Scorers))
	for _, s := range c.Scorers {
		types = append(types, s.Type)
	}
	return types
}

// Scorer returns the scorer with the given type.
func (c *ChallengeConfig) Scorer(scorerType string) (ScorerConfig, bool) {
	for _, s := range c.Scorers {
		if s.Type == scorerType {
			return s, true
		}
	}
	return ScorerConfig{}, false
}

// ImageFor resolves the image of a scorer, falling back to the challenge image.
func (c *ChallengeConfig) ImageFor(s ScorerConfig) string {
	if s.Image != "" {
		return s.Image
	}
	return c.Image
}

// Raw returns the document as stored.
func (c *ChallengeConfig) Raw() []byte {
	return c.raw
}

// Parse decodes and validates a configuration document.
func Parse(data []byte, challengeID string) (*ChallengeConfig, error) {
	var cfg ChallengeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode challenge config: %w", err)
	}
	if cfg.ChallengeID == "" {
		cfg.ChallengeID = challengeID
	}
	if !strings.EqualFold(cfg.ChallengeID, challengeID) {
		return nil, fmt.Errorf("config belongs to challenge %s, not %s", cfg.ChallengeID, challengeID)
	}
	if len(cfg.Scorers) == 0 {
		return nil, appErr.New(appErr.NoSubTaskConfigured)
	}
	seen := make(map[string]struct{}, len(cfg.Scorers))
	for i, s := range cfg.Scorers {
		if s.Type == "" {
			return nil, fmt.Errorf("scorer %d has no type", i)
		}
		if _, dup := seen[s.Type]; dup {
			return nil, fmt.Errorf("duplicate scorer type %q", s.Type)
		}
		seen[s.Type] = struct{}{}
		if cfg.ImageFor(s) == "" {
			return nil, fmt.Errorf("scorer %q has no image", s.Type)
		}
	}
	cfg.raw = append([]byte(nil), data...)
	return &cfg, nil
}

// Loader fetches the configuration of one challenge from object storage on
// first use and caches it without expiry.
type Loader struct {
	storage     storage.BlobReader
	bucket      string
	challengeID string
	timeout     time.Duration

	mu  sync.Mutex
	cfg *ChallengeConfig
}

func NewLoader(store storage.BlobReader, bucket, challengeID string, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	return &Loader{storage: store, bucket: bucket, challengeID: challengeID, timeout: timeout}
}

// ChallengeID returns the key this loader serves.
func (l *Loader) ChallengeID() string {
	return l.challengeID
}

// Load returns the cached configuration, fetching it under the loader lock
// if it has not been loaded yet.
func (l *Loader) Load(ctx context.Context) (*ChallengeConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg != nil {
		return l.cfg, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	key := fmt.Sprintf(objectKeyFormat, l.challengeID)
	data, err := l.storage.ReadObject(loadCtx, l.bucket, key, maxConfigBytes)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErr.Wrapf(err, appErr.ConfigLoadFailed, "no config for challenge %s", l.challengeID)
		}
		return nil, appErr.Wrapf(err, appErr.ConfigLoadFailed, "read %s", key)
	}
	cfg, err := Parse(data, l.challengeID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigLoadFailed, "parse %s", key)
	}
	l.cfg = cfg
	logger.Info(ctx, "challenge config loaded",
		zap.String("challenge_id", l.challengeID),
		zap.Strings("scorer_types", cfg.SubTaskTypes()),
	)
	return cfg, nil
}
