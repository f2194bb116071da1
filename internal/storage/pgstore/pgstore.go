// Package pgstore is the PostgreSQL storage backend. Resource content lives
// in jsonb; derived state (search index, reference edges, compartment
// memberships) lives in flat tables rewritten inside the same pgx transaction
// as the resource row, so the atomicity contract holds without any
// application-level locking.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carevault/carevault/internal/platform/db"
	"github.com/carevault/carevault/internal/storage"
)

// Store wraps a pgx pool as a storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, pc db.PoolConfig) (*Store, error) {
	pool, err := db.NewPool(ctx, pc)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool, used when the caller also runs
// migrations against it.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for migrations and health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{tx: pgtx}, nil
}

func (s *Store) Read(ctx context.Context) (storage.Tx, error) {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read transaction: %w", err)
	}
	return &tx{tx: pgtx}, nil
}

func (s *Store) Close() { s.pool.Close() }
