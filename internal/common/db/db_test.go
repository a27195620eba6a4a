package db

import (
	"testing"
	"time"
)

func TestCurrentDatabase(t *testing.T) {
	t.Parallel()

	if _, err := CurrentDatabase(nil); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := CurrentDatabase(Fixed(nil)); err == nil {
		t.Fatalf("expected error for empty provider")
	}
	mysql := &MySQL{}
	got, err := CurrentDatabase(Fixed(mysql))
	if err != nil || got != mysql {
		t.Fatalf("unexpected result %v %v", got, err)
	}
}

func TestMySQLConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := MySQLConfig{MaxOpenConnections: 4}
	cfg.ApplyDefaults()
	if cfg.MaxOpenConnections != 4 {
		t.Fatalf("explicit value overwritten: %d", cfg.MaxOpenConnections)
	}
	if cfg.MaxIdleConnections != defaultMaxIdleConnections || cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if _, err := NewMySQLWithConfig(&MySQLConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
