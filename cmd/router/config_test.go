package main

import (
	"os"
	"path/filepath"
	"testing"

	"mmproc/internal/router/validator"

	"github.com/segmentio/kafka-go"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
kafka:
  brokers: ["k:9092"]
  requiredAcks: -1
  compression: zstd
database:
  dsn: "u:p@tcp(db:3306)/mmproc"
redis:
  addr: "r:6379"
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingress.Topic != "submissions.received" || cfg.Ingress.Encoding != validator.EncodingBase64 {
		t.Fatalf("ingress defaults not applied: %+v", cfg.Ingress)
	}
	if cfg.Redis.PoolSize == 0 || cfg.Server.Addr == "" {
		t.Fatalf("redis or server defaults not applied")
	}
	mqCfg := cfg.Kafka.toMQConfig()
	if mqCfg.RequiredAcks != kafka.RequireAll || mqCfg.Compression != kafka.Zstd {
		t.Fatalf("unexpected kafka config %+v", mqCfg)
	}
}

func TestLoadAppConfigRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "no brokers", body: "database: {dsn: x}\nredis: {addr: r}\n"},
		{name: "no dsn", body: "kafka: {brokers: [k]}\nredis: {addr: r}\n"},
		{name: "no redis", body: "kafka: {brokers: [k]}\ndatabase: {dsn: x}\n"},
		{name: "bad encoding", body: "kafka: {brokers: [k]}\ndatabase: {dsn: x}\nredis: {addr: r}\ningress: {encoding: hex}\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := loadAppConfig(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
