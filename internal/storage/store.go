package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jidegrand/travelcart/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Migrate applies every *.sql file in dir in lexical order. Scripts must be
// idempotent; there is no applied-migrations table.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) ([]string, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	applied := make([]string, 0, len(files))
	for _, file := range files {
		script, err := os.ReadFile(file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", filepath.Base(file), err)
		}
		if _, err := pool.Exec(ctx, string(script)); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", filepath.Base(file), err)
		}
		applied = append(applied, filepath.Base(file))
	}
	return applied, nil
}

// Migrate applies the scripts in dir against the store's pool.
func (s *Store) Migrate(ctx context.Context, dir string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return Migrate(ctx, pool, dir)
}
