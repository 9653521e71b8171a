package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of *pgxpool.Pool used by PostgresStore.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists contexts in a jsonb column through pgx.
type PostgresStore struct {
	pool  PgxPool
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// NewPostgresStore builds a store on top of a pgx pool.
func NewPostgresStore(pool PgxPool, table string) *PostgresStore {
	if strings.TrimSpace(table) == "" {
		table = "experiment_contexts"
	}
	return &PostgresStore{pool: pool, table: table}
}

func (s *PostgresStore) Load(ctx context.Context, expID string) (*ContextRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	expID = strings.TrimSpace(expID)
	if expID == "" {
		return nil, nil
	}

	q := fmt.Sprintf(`SELECT exp_id, version, payload, updated_at FROM %s WHERE exp_id = $1`, s.table)
	var rec ContextRecord
	var raw []byte
	err := s.pool.QueryRow(ctx, q, expID).Scan(&rec.ExpID, &rec.Version, &raw, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Data, err = decodeData(raw); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, rec *ContextRecord, expectedVersion int) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	next, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	raw, err := encodeData(next.Data)
	if err != nil {
		return 0, err
	}
	if expectedVersion < 0 {
		expectedVersion = 0
	}

	if expectedVersion == 0 {
		q := fmt.Sprintf(`INSERT INTO %s (exp_id, version, payload, updated_at) VALUES ($1, 1, $2, $3) ON CONFLICT (exp_id) DO NOTHING`, s.table)
		tag, err := s.pool.Exec(ctx, q, next.ExpID, raw, next.UpdatedAt)
		if err != nil {
			return 0, err
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrVersionConflict
		}
		return 1, nil
	}

	newVersion := expectedVersion + 1
	q := fmt.Sprintf(`UPDATE %s SET version=$1, payload=$2, updated_at=$3 WHERE exp_id=$4 AND version=$5`, s.table)
	tag, err := s.pool.Exec(ctx, q, newVersion, raw, next.UpdatedAt, next.ExpID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrVersionConflict
	}
	return newVersion, nil
}

func (s *PostgresStore) Delete(ctx context.Context, expID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE exp_id = $1`, s.table), strings.TrimSpace(expID))
	return err
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT exp_id FROM %s ORDER BY exp_id`, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ready(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errNotConfigured
	}
	s.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		exp_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`, s.table)
		_, s.schemaErr = s.pool.Exec(ctx, ddl)
	})
	return s.schemaErr
}
