// Package db holds the engine's data model and its Postgres repository.
package db

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DB wraps the pgx connection pool
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Config holds database connection parameters
type Config struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
	MaxConns int32 // 0 uses the default of 10
}

// DSN renders the config as a postgres URL, escaping credentials.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}

// New creates a new database connection pool
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// The engine runs one family at a time, so a small pool is plenty.
	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 15 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)

	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

// Health checks if the database is reachable
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Pool returns the underlying connection pool
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}
