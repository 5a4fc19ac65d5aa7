// Package store is the Postgres access layer. Queries are hand-written in the
// shape sqlc generates so callers can run them on a pool or inside a Tx.
package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries runs the typed queries against a DBTX.
type Queries struct {
	db DBTX
}

// New returns Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to tx.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// Store wraps Queries and provides transaction support.
type Store struct {
	pool DBTX
	*Queries
}

// NewStore creates a new Store wrapping the given connection pool.
func NewStore(pool DBTX) *Store {
	return &Store{
		pool:    pool,
		Queries: New(pool),
	}
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed. When the pool
// cannot begin transactions fn runs directly.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	beginner, ok := s.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(s.Queries)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Migrate applies the embedded schema files in name order. Every file is
// idempotent, so Migrate runs on each start.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("store: list migrations: %w", err)
	}
	sort.Strings(names)

	return s.Tx(ctx, func(q *Queries) error {
		for _, name := range names {
			body, err := migrations.ReadFile(name)
			if err != nil {
				return fmt.Errorf("store: read %s: %w", name, err)
			}
			if _, err := q.db.Exec(ctx, string(body)); err != nil {
				return fmt.Errorf("store: apply %s: %w", name, err)
			}
		}
		return nil
	})
}

// Pool returns the underlying DBTX for cases where direct access is needed.
func (s *Store) Pool() DBTX {
	return s.pool
}
