package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SQLStore persists contexts in a SQLite table through database/sql.
type SQLStore struct {
	db    *sql.DB
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLStore builds a store using the given DB and table name.
func NewSQLStore(db *sql.DB, table string) *SQLStore {
	if strings.TrimSpace(table) == "" {
		table = "experiment_contexts"
	}
	return &SQLStore{db: db, table: table}
}

// Load reads the context of an experiment.
func (s *SQLStore) Load(ctx context.Context, expID string) (*ContextRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	expID = strings.TrimSpace(expID)
	if expID == "" {
		return nil, nil
	}

	q := fmt.Sprintf(`SELECT exp_id, version, payload, updated_at FROM %s WHERE exp_id = ?`, s.table)
	var rec ContextRecord
	var raw []byte
	var updatedAt string
	err := s.db.QueryRowContext(ctx, q, expID).Scan(&rec.ExpID, &rec.Version, &raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Data, err = decodeData(raw); err != nil {
		return nil, err
	}
	rec.UpdatedAt = parseTimestamp(updatedAt)
	return &rec, nil
}

// CompareAndSwap inserts version 1 or updates WHERE version = expectedVersion.
func (s *SQLStore) CompareAndSwap(ctx context.Context, rec *ContextRecord, expectedVersion int) (int, error) {
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
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (exp_id, version, payload, updated_at) VALUES (?, 1, ?, ?)`, s.table)
		result, err := s.db.ExecContext(ctx, q, next.ExpID, raw, formatTimestamp(next.UpdatedAt))
		if err != nil {
			return 0, err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return 0, ErrVersionConflict
		}
		return 1, nil
	}

	newVersion := expectedVersion + 1
	q := fmt.Sprintf(`UPDATE %s SET version=?, payload=?, updated_at=? WHERE exp_id=? AND version=?`, s.table)
	result, err := s.db.ExecContext(ctx, q, newVersion, raw, formatTimestamp(next.UpdatedAt), next.ExpID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return 0, ErrVersionConflict
	}
	return newVersion, nil
}

func (s *SQLStore) Delete(ctx context.Context, expID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE exp_id = ?`, s.table), strings.TrimSpace(expID))
	return err
}

func (s *SQLStore) List(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT exp_id FROM %s ORDER BY exp_id`, s.table))
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

func (s *SQLStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	s.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		exp_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.table)
		_, s.schemaErr = s.db.ExecContext(ctx, ddl)
	})
	return s.schemaErr
}
