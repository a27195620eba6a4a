package db

import (
	"context"
	"database/sql"
	"time"

	appErr "mmproc/pkg/errors"

	_ "github.com/go-sql-driver/mysql"
)

const (
	defaultMaxOpenConnections = 10
	defaultMaxIdleConnections = 2
	defaultConnMaxLifetime    = 5 * time.Minute
	defaultConnMaxIdleTime    = 10 * time.Minute
	defaultConnectTimeout     = 5 * time.Second
)

// MySQLConfig holds the routing database pool settings.
type MySQLConfig struct {
	// DSN format: "user:password@tcp(host:port)/mmproc?parseTime=true"
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
	ConnectTimeout     time.Duration `yaml:"connectTimeout"`
}

// ApplyDefaults fills unset pool settings.
func (c *MySQLConfig) ApplyDefaults() {
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = defaultMaxOpenConnections
	}
	if c.MaxIdleConnections == 0 {
		c.MaxIdleConnections = defaultMaxIdleConnections
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
}

// MySQL implements Database on database/sql with the MySQL driver.
type MySQL struct {
	db *sql.DB
}

// NewMySQLWithConfig opens the pool and pings it once.
func NewMySQLWithConfig(config *MySQLConfig) (*MySQL, error) {
	if config == nil || config.DSN == "" {
		return nil, appErr.Newf(appErr.DatabaseError, "mysql dsn is required")
	}
	config.ApplyDefaults()

	pool, err := sql.Open("mysql", config.DSN)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "open mysql pool")
	}
	pool.SetMaxOpenConns(config.MaxOpenConnections)
	pool.SetMaxIdleConns(config.MaxIdleConnections)
	pool.SetConnMaxLifetime(config.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "ping mysql")
	}
	return &MySQL{db: pool}, nil
}

func (m *MySQL) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (m *MySQL) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return m.db.QueryRowContext(ctx, query, args...)
}

func (m *MySQL) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	result, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ping backs the /healthz mysql check.
func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQL) Close() error {
	return m.db.Close()
}
