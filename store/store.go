// Package store owns every relational surface of the pipeline: the append-only
// event ledger, the projection tables the materializer writes, and the
// bookkeeping tables (idempotency ledger, consumer progress) that make the bus
// a disposable surface.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so every query can run
// standalone or inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a pgxpool.Pool and provides transaction support.
type Store struct {
	pool *pgxpool.Pool
}

// Config configures the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// New creates a Store with a bounded connection pool and verifies
// connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Queries returns a Queries instance for non-transactional operations.
func (s *Store) Queries() *Queries {
	return &Queries{db: s.pool}
}

// WithTx executes fn within a database transaction. If fn returns an error the
// transaction is rolled back, otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// Always attempt rollback on defer - it's a no-op if already committed
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent, so it
// runs on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Queries executes hand-written SQL against a pool or transaction.
type Queries struct {
	db DBTX
}

// NewQueries binds a Queries to any DBTX. Tests use this to substitute the
// database surface.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}
