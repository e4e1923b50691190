package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/config"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger("beacon-migrator", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// DATABASE_URL wins over the DB_* settings.
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}.DSN()
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "beacon-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, skipped, err := applyMigrations(ctx, pool, migrationsDir, logger)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("skipped", skipped))
	return nil
}

func ensureSchemaTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

// pendingMigrations returns the *.up.sql files in dir, sorted by name.
func pendingMigrations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, logger *zap.Logger) (int, int, error) {
	names, err := pendingMigrations(dir)
	if err != nil {
		return 0, 0, err
	}

	applied := 0
	skipped := 0

	for _, name := range names {
		alreadyApplied, err := isApplied(ctx, pool, name)
		if err != nil {
			return applied, skipped, fmt.Errorf("check applied %s: %w", name, err)
		}
		if alreadyApplied {
			logger.Debug("skipping migration", zap.String("name", name))
			skipped++
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, skipped, fmt.Errorf("read %s: %w", name, err)
		}

		start := time.Now()
		if err := applyOne(ctx, pool, name, string(contents)); err != nil {
			return applied, skipped, err
		}

		applied++
		logger.Info("applied migration",
			zap.String("name", name),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		)
	}

	return applied, skipped, nil
}

// applyOne runs a migration and records it in one transaction.
func applyOne(ctx context.Context, pool *pgxpool.Pool, name, sql string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name); err != nil {
		return fmt.Errorf("mark applied %s: %w", name, err)
	}
	return tx.Commit(ctx)
}

func isApplied(ctx context.Context, pool *pgxpool.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name).Scan(&exists)
	return exists, err
}
