package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"mmproc/internal/common/cache"
	"mmproc/internal/common/credential"
	"mmproc/internal/common/http/middleware"
	"mmproc/internal/common/http/ops"
	"mmproc/internal/common/storage"
	"mmproc/internal/fanout"
	"mmproc/internal/jobs/kube"
	"mmproc/internal/router/validator"
	"mmproc/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const challengeIDEnv = "MMPROC_CHALLENGE_ID"

// WorkerConfig holds per-key worker settings.
type WorkerConfig struct {
	// ChallengeID is the key this process serves. MMPROC_CHALLENGE_ID overrides it.
	ChallengeID string `yaml:"challengeID"`
	// Queue defaults to "challenge-<challengeID>".
	Queue      string `yaml:"queue"`
	Consumer   string `yaml:"consumer"`
	BatchSize  int    `yaml:"batchSize"`
	MaxRetries int    `yaml:"maxRetries"`
}

// ChallengeConfigSource holds object storage settings for the key's config.
type ChallengeConfigSource struct {
	Bucket      string        `yaml:"bucket"`
	LoadTimeout time.Duration `yaml:"loadTimeout"`
}

// AppConfig holds challenge-worker config.
type AppConfig struct {
	Server     ops.ServerConfig           `yaml:"server"`
	Admin      middleware.AdminAuthConfig `yaml:"admin"`
	Logger     logger.Config              `yaml:"logger"`
	Redis      cache.RedisConfig          `yaml:"redis"`
	MinIO      storage.MinIOConfig        `yaml:"minio"`
	Fanout     fanout.Config              `yaml:"fanout"`
	Worker     WorkerConfig               `yaml:"worker"`
	Config     ChallengeConfigSource      `yaml:"challengeConfig"`
	Credential credential.Config          `yaml:"credential"`
	Kube       kube.ClientConfig          `yaml:"kube"`
	Launcher   kube.LauncherConfig        `yaml:"launcher"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	if v := strings.TrimSpace(os.Getenv(challengeIDEnv)); v != "" {
		cfg.Worker.ChallengeID = v
	}
	cfg.Worker.ChallengeID = strings.ToLower(cfg.Worker.ChallengeID)
	if !validator.IsCanonicalUUID(cfg.Worker.ChallengeID) {
		return nil, fmt.Errorf("worker challengeID %q is not a uuid", cfg.Worker.ChallengeID)
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	cfg.Redis.ApplyDefaults()
	cfg.Server.ApplyDefaults()
	if cfg.Worker.Queue == "" {
		cfg.Worker.Queue = "challenge-" + cfg.Worker.ChallengeID
	}
	if cfg.Worker.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.Worker.Consumer = host
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 10
	}
	if cfg.Config.Bucket == "" {
		return nil, fmt.Errorf("challenge config bucket is required")
	}
	return &cfg, nil
}
