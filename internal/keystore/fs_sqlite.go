package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend is the "fs" storage backing: a single SQLite file gives
// per-key atomicity without hand-rolling file locking.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (creating if necessary) the SQLite file at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("keystore: open sqlite backend: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS keystore_entries (
			namespace TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		)`)
	if err != nil {
		return fmt.Errorf("keystore: sqlite initialize: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Shutdown(ctx context.Context) error {
	return s.db.Close()
}

func (s *SQLiteBackend) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM keystore_entries WHERE namespace = ? AND key = ?`, string(ns), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: sqlite get: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteBackend) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keystore_entries (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		string(ns), key, value)
	if err != nil {
		return fmt.Errorf("keystore: sqlite set: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Has(ctx context.Context, ns Namespace, key string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM keystore_entries WHERE namespace = ? AND key = ?`, string(ns), key,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keystore: sqlite has: %w", err)
	}
	return true, nil
}

func (s *SQLiteBackend) Remove(ctx context.Context, ns Namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM keystore_entries WHERE namespace = ? AND key = ?`, string(ns), key)
	if err != nil {
		return fmt.Errorf("keystore: sqlite remove: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Keys(ctx context.Context, ns Namespace, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM keystore_entries WHERE namespace = ?`, string(ns))
	if err != nil {
		return nil, fmt.Errorf("keystore: sqlite keys: %w", err)
	}
	defer rows.Close()

	var re *regexp.Regexp
	if pattern != "" {
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("keystore: invalid key pattern: %w", err)
		}
	}

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if re == nil || re.MatchString(key) {
			out = append(out, key)
		}
	}
	return out, rows.Err()
}
