package main

import (
	"fmt"
	"os"
	"time"

	"mmproc/internal/common/cache"
	"mmproc/internal/common/db"
	"mmproc/internal/common/http/middleware"
	"mmproc/internal/common/http/ops"
	"mmproc/internal/common/mq"
	"mmproc/internal/fanout"
	"mmproc/internal/router/validator"
	"mmproc/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	ClientID       string        `yaml:"clientID"`
	MinBytes       int           `yaml:"minBytes"`
	MaxBytes       int           `yaml:"maxBytes"`
	MaxWait        time.Duration `yaml:"maxWait"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	RequiredAcks   int           `yaml:"requiredAcks"`
	Compression    string        `yaml:"compression"`
	StartFromFirst bool          `yaml:"startFromFirst"`
}

// IngressConfig holds the submission topic consumer settings.
type IngressConfig struct {
	Topic         string             `yaml:"topic"`
	ConsumerGroup string             `yaml:"consumerGroup"`
	BatchSize     int                `yaml:"batchSize"`
	BatchWait     time.Duration      `yaml:"batchWait"`
	Encoding      validator.Encoding `yaml:"encoding"`
}

// RoutingConfig holds routing lookup settings.
type RoutingConfig struct {
	CacheTTL       time.Duration `yaml:"cacheTTL"`
	EmptyTTL       time.Duration `yaml:"emptyTTL"`
	LookupTimeout  time.Duration `yaml:"lookupTimeout"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// AppConfig holds router config.
type AppConfig struct {
	Server   ops.ServerConfig           `yaml:"server"`
	Admin    middleware.AdminAuthConfig `yaml:"admin"`
	Logger   logger.Config              `yaml:"logger"`
	Kafka    KafkaConfig                `yaml:"kafka"`
	Ingress  IngressConfig              `yaml:"ingress"`
	Database db.MySQLConfig             `yaml:"database"`
	Redis    cache.RedisConfig          `yaml:"redis"`
	Routing  RoutingConfig              `yaml:"routing"`
	Fanout   fanout.Config              `yaml:"fanout"`
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
	if cfg.Ingress.Topic == "" {
		cfg.Ingress.Topic = "submissions.received"
	}
	if cfg.Ingress.ConsumerGroup == "" {
		cfg.Ingress.ConsumerGroup = "mmproc-router"
	}
	if cfg.Ingress.Encoding == "" {
		cfg.Ingress.Encoding = validator.EncodingBase64
	}
	if cfg.Ingress.Encoding != validator.EncodingBase64 && cfg.Ingress.Encoding != validator.EncodingNone {
		return nil, fmt.Errorf("unknown ingress encoding %q", cfg.Ingress.Encoding)
	}
	return &cfg, nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:        k.Brokers,
		ClientID:       k.ClientID,
		MinBytes:       k.MinBytes,
		MaxBytes:       k.MaxBytes,
		MaxWait:        k.MaxWait,
		DialTimeout:    k.DialTimeout,
		RequiredAcks:   kafka.RequiredAcks(k.RequiredAcks),
		Compression:    mq.ParseCompression(k.Compression),
		StartFromFirst: k.StartFromFirst,
	}
}
