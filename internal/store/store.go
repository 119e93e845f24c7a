// Package store is the PostgreSQL data layer. All queries are plain SQL
// through pgx, no ORM. The database is the single source of truth for entry
// state; schedulers hold caches at most.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound means no row matched.
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a uniqueness constraint rejected the write.
	ErrConflict = errors.New("record already exists")
	// ErrStatusChanged means an optimistic status guard missed: the row moved
	// on under us and the transition was not applied.
	ErrStatusChanged = errors.New("entry status changed concurrently")
	// ErrEntryClosed means the entry no longer accepts votes or boosts.
	ErrEntryClosed = errors.New("entry no longer accepts votes")
)

// DBTX runs SQL statements. Both *pgxpool.Pool and pgx.Tx satisfy it, so the
// same query code works inside and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles all persistence operations over one connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over an established pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks the pool, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// runInTx executes fn inside a transaction, rolling back on error.
func (s *Store) runInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	log.Info().Str("database", poolCfg.ConnConfig.Database).Msg("connected to postgres")
	return pool, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
