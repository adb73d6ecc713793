// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Records live in a single table keyed by (kind, seq); seq comes from a
// BIGSERIAL so ordering by it preserves insertion order, which is what the
// positional index semantics of storage.Repository rely on. Every Batch runs
// in one transaction that also inserts its revisions row.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironcert/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) List(kind string) ([][]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	return listKind(context.Background(), s.pool, kind)
}

func (s *Store) Get(kind string, index int) ([]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, fmt.Errorf("%s/%d: %w", kind, index, storage.ErrNotFound)
	}
	var data []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT data FROM records WHERE kind = $1 ORDER BY seq OFFSET $2 LIMIT 1`,
		kind, index).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%d: %w", kind, index, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Revisions(limit int) ([]storage.Revision, error) {
	query := `SELECT seq, description, committed_at FROM revisions ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Revision
	for rows.Next() {
		var rev storage.Revision
		if err := rows.Scan(&rev.Seq, &rev.Description, &rev.CommittedAt); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (s *Store) Batch(description string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{tx: pgTx}); err != nil {
		return err
	}
	if _, err := pgTx.Exec(ctx,
		`INSERT INTO revisions (description) VALUES ($1)`, description); err != nil {
		return fmt.Errorf("recording revision: %w", err)
	}
	return pgTx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) List(kind string) ([][]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	return listKind(context.Background(), btx.tx, kind)
}

func (btx *pgBatchTx) Put(kind string, index int, record []byte) (int, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return 0, err
	}
	ctx := context.Background()
	if index == storage.Append {
		var count int
		if err := btx.tx.QueryRow(ctx,
			`SELECT count(*) FROM records WHERE kind = $1`, kind).Scan(&count); err != nil {
			return 0, err
		}
		if _, err := btx.tx.Exec(ctx,
			`INSERT INTO records (kind, data) VALUES ($1, $2)`, kind, record); err != nil {
			return 0, err
		}
		return count, nil
	}
	seq, err := seqAt(ctx, btx.tx, kind, index)
	if err != nil {
		return 0, err
	}
	_, err = btx.tx.Exec(ctx,
		`UPDATE records SET data = $3 WHERE kind = $1 AND seq = $2`, kind, seq, record)
	return index, err
}

func (btx *pgBatchTx) Delete(kind string, index int) error {
	if err := storage.ValidateKind(kind); err != nil {
		return err
	}
	ctx := context.Background()
	seq, err := seqAt(ctx, btx.tx, kind, index)
	if err != nil {
		return err
	}
	_, err = btx.tx.Exec(ctx, `DELETE FROM records WHERE kind = $1 AND seq = $2`, kind, seq)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func listKind(ctx context.Context, q querier, kind string) ([][]byte, error) {
	rows, err := q.Query(ctx, `SELECT data FROM records WHERE kind = $1 ORDER BY seq`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

// seqAt resolves a positional index to the row's seq, locking the row.
func seqAt(ctx context.Context, q querier, kind string, index int) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("%s/%d: %w", kind, index, storage.ErrNotFound)
	}
	var seq int64
	err := q.QueryRow(ctx,
		`SELECT seq FROM records WHERE kind = $1 ORDER BY seq OFFSET $2 LIMIT 1 FOR UPDATE`,
		kind, index).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s/%d: %w", kind, index, storage.ErrNotFound)
	}
	return seq, err
}
