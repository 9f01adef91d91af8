// Package store is the PostgreSQL persistence layer: buckets, the slot
// projection, drop events, availability sessions, venues, metrics, and
// notification state. All writes used by the poll worker run inside
// RunBucketTxn under a per-bucket advisory lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropwatch/dropwatch/internal/model"
)

// ErrLockBusy means another worker holds the bucket's advisory lock.
// The caller must abort without writes; the scheduler re-enqueues.
var ErrLockBusy = errors.New("bucket advisory lock busy")

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements Querier against any DBTX.
type Queries struct {
	db DBTX
}

// New wraps a pool or transaction in a Queries value.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Store owns the pool and provides transactional entry points. Its embedded
// Queries run outside any transaction.
type Store struct {
	*Queries
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates the store on top of an existing pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		Queries: New(pool),
		pool:    pool,
		logger:  logger.With("component", "store"),
	}
}

// RunBucketTxn runs fn inside one transaction holding the per-bucket
// advisory lock. If the lock is busy it returns ErrLockBusy with no writes.
// The lock is transaction-scoped and released on commit or rollback.
func (s *Store) RunBucketTxn(ctx context.Context, bucketID string, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin bucket txn: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	err = tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", model.AdvisoryLockKey(bucketID)).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire bucket lock: %w", err)
	}
	if !acquired {
		return ErrLockBusy
	}

	if err := fn(New(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit bucket txn: %w", err)
	}
	return nil
}

// RunTxn runs fn inside a plain transaction (no advisory lock). Used by the
// aggregator and the notification stamping step.
func (s *Store) RunTxn(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin txn: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(New(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit txn: %w", err)
	}
	return nil
}
