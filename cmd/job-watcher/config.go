package main

import (
	"fmt"
	"os"
	"time"

	"mmproc/internal/common/http/ops"
	"mmproc/internal/common/mq"
	"mmproc/internal/completion/notify"
	"mmproc/internal/jobs/kube"
	"mmproc/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

// KafkaConfig holds producer settings for the completion topic.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	Topic        string        `yaml:"topic"`
}

// WatchConfig holds pod informer settings.
type WatchConfig struct {
	Namespace string        `yaml:"namespace"`
	Resync    time.Duration `yaml:"resync"`
}

// AppConfig holds job-watcher config.
type AppConfig struct {
	Server ops.ServerConfig  `yaml:"server"`
	Logger logger.Config     `yaml:"logger"`
	Kafka  KafkaConfig       `yaml:"kafka"`
	Kube   kube.ClientConfig `yaml:"kube"`
	Watch  WatchConfig       `yaml:"watch"`
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
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	cfg.Server.ApplyDefaults()
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = notify.DefaultTopic
	}
	if cfg.Kafka.BatchSize == 0 {
		cfg.Kafka.BatchSize = 1
	}
	if cfg.Watch.Namespace == "" {
		cfg.Watch.Namespace = kube.DefaultNamespace
	}
	if cfg.Watch.Resync == 0 {
		cfg.Watch.Resync = 10 * time.Minute
	}
	return &cfg, nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  mq.ParseCompression(k.Compression),
	}
}
