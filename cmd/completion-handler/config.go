package main

import (
	"fmt"
	"os"
	"time"

	"mmproc/internal/common/cache"
	"mmproc/internal/common/credential"
	"mmproc/internal/common/db"
	"mmproc/internal/common/http/ops"
	"mmproc/internal/common/mq"
	"mmproc/internal/completion/notify"
	"mmproc/internal/fanout"
	"mmproc/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

// KafkaConfig holds consumer settings for the completion topic.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	BatchSize     int           `yaml:"batchSize"`
	BatchWait     time.Duration `yaml:"batchWait"`
}

// CorrelatorConfig holds retry and de-duplication settings.
type CorrelatorConfig struct {
	MaxRetries     int           `yaml:"maxRetries"`
	DedupeTTL      time.Duration `yaml:"dedupeTTL"`
	DedupeCapacity uint64        `yaml:"dedupeCapacity"`
	CallTimeout    time.Duration `yaml:"callTimeout"`
}

// RoutingConfig holds routing lookup cache settings.
type RoutingConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
	EmptyTTL time.Duration `yaml:"emptyTTL"`
}

// StatusConfig enables submission status reporting when APIURL is set.
type StatusConfig struct {
	APIURL     string            `yaml:"apiURL"`
	Timeout    time.Duration     `yaml:"timeout"`
	Credential credential.Config `yaml:"credential"`
}

// AppConfig holds completion-handler config.
type AppConfig struct {
	Server     ops.ServerConfig  `yaml:"server"`
	Logger     logger.Config     `yaml:"logger"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	Database   db.MySQLConfig    `yaml:"database"`
	Redis      cache.RedisConfig `yaml:"redis"`
	Routing    RoutingConfig     `yaml:"routing"`
	Fanout     fanout.Config     `yaml:"fanout"`
	Correlator CorrelatorConfig  `yaml:"correlator"`
	Status     StatusConfig      `yaml:"status"`
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
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	cfg.Redis.ApplyDefaults()
	cfg.Server.ApplyDefaults()
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = notify.DefaultTopic
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "mmproc-completion"
	}
	return &cfg, nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
}
