// Package storage records response outcomes in ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig is the storage.clickhouse section. The guardian writes
// one narrow table from a single batch writer, so the pool stays small.
type ClickHouseConfig struct {
	Hosts        []string      `yaml:"hosts" validate:"required,min=1,dive,hostname_port"`
	Database     string        `yaml:"database" validate:"required"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=1"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// DefaultClickHouseConfig returns a local single-node setup.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:        []string{"localhost:9000"},
		Database:     "guardian",
		Username:     "default",
		MaxOpenConns: 4,
		DialTimeout:  10 * time.Second,
	}
}

// ClickHouseClient is the subset of a ClickHouse connection used by the
// migrator and the batch writer.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
}

// NewClickHouseClient opens a connection and verifies it with a ping
// bounded by the dial timeout.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxOpenConns,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return &ClickHouseClient{conn: conn, database: cfg.Database}, nil
}

// NewClickHouseClientFromConn wraps an already opened connection.
func NewClickHouseClientFromConn(conn driver.Conn, cfg ClickHouseConfig) *ClickHouseClient {
	return &ClickHouseClient{conn: conn, database: cfg.Database}
}

// Close closes the connection.
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Exec runs a statement that returns no rows.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query runs a statement and returns its rows.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// PrepareBatch starts a batch insert.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// EnsureDatabase creates the configured database if it is missing.
func (c *ClickHouseClient) EnsureDatabase(ctx context.Context) error {
	return c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.database))
}
