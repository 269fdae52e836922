// Package storage holds the one piece of infrastructure every
// Postgres-backed component shares: the pgxpool.Pool constructor. Each
// component (auth, keyring, vault, mfa, policy, audit) owns its own
// PostgresStore over that pool directly — no generated query-builder
// package ships in this retrieval pack, so there is no shared query layer
// to wrap.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgres creates a new connection pool to PostgreSQL.
func NewPostgres(dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return pool, nil
}
