package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
)

// PostgresBackend implements Backend over a Postgres table, grounded on
// the same database/sql + lib/pq pattern the relay server itself uses
// for its account store.
type PostgresBackend struct {
	db    *sql.DB
	label string
}

// NewPostgresBackend opens a connection pool against dsn, partitioned by
// label so multiple installations can share one database.
func NewPostgresBackend(dsn, label string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: open postgres backend: %w", err)
	}
	db.SetMaxOpenConns(10)
	return &PostgresBackend{db: db, label: label}, nil
}

func (p *PostgresBackend) Initialize(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS keystore_entries (
			label     TEXT NOT NULL,
			namespace TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     BYTEA NOT NULL,
			PRIMARY KEY (label, namespace, key)
		)`)
	if err != nil {
		return fmt.Errorf("keystore: postgres initialize: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Shutdown(ctx context.Context) error {
	return p.db.Close()
}

func (p *PostgresBackend) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM keystore_entries WHERE label = $1 AND namespace = $2 AND key = $3`,
		p.label, string(ns), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keystore: postgres get: %w", err)
	}
	return value, true, nil
}

func (p *PostgresBackend) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO keystore_entries (label, namespace, key, value) VALUES ($1, $2, $3, $4)
		ON CONFLICT (label, namespace, key) DO UPDATE SET value = excluded.value`,
		p.label, string(ns), key, value)
	if err != nil {
		return fmt.Errorf("keystore: postgres set: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Has(ctx context.Context, ns Namespace, key string) (bool, error) {
	var exists int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM keystore_entries WHERE label = $1 AND namespace = $2 AND key = $3`,
		p.label, string(ns), key,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keystore: postgres has: %w", err)
	}
	return true, nil
}

func (p *PostgresBackend) Remove(ctx context.Context, ns Namespace, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM keystore_entries WHERE label = $1 AND namespace = $2 AND key = $3`,
		p.label, string(ns), key)
	if err != nil {
		return fmt.Errorf("keystore: postgres remove: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Keys(ctx context.Context, ns Namespace, pattern string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM keystore_entries WHERE label = $1 AND namespace = $2`, p.label, string(ns))
	if err != nil {
		return nil, fmt.Errorf("keystore: postgres keys: %w", err)
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
