// Package db provides PostgreSQL access for the deep-dive pipeline: runs and
// run items, the question registry, answers, the completion cache, the cost
// ledger, notification state and pgvector document search.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// DefaultClaimLease is how long an in_progress claim blocks other invocations
const DefaultClaimLease = 30 * time.Minute

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool       *pgxpool.Pool
	claimLease time.Duration
}

// Connect establishes a connection pool to the database. The vector type is
// registered on every new connection, so the extension must exist first; use
// ConnectWithoutVector to run migrations on a fresh database.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	return connect(ctx, databaseURL, true)
}

// ConnectWithoutVector connects without registering pgvector types
func ConnectWithoutVector(ctx context.Context, databaseURL string) (*DB, error) {
	return connect(ctx, databaseURL, false)
}

func connect(ctx context.Context, databaseURL string, vector bool) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if vector {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool, claimLease: DefaultClaimLease}, nil
}

// SetClaimLease sets how old an in_progress claim must be before another
// invocation may take the ticker over. Non-positive values select the default.
func (db *DB) SetClaimLease(d time.Duration) {
	if d <= 0 {
		d = DefaultClaimLease
	}
	db.claimLease = d
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping verifies the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
