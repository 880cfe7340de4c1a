package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"cipherlink/internal/domain"
)

const defaultPostgresTable = "cipherlink_kv"

// PostgresTier stores values in a single key-value table. It serves as a
// durable tier that survives reinstalls of the client host.
type PostgresTier struct {
	db    *sql.DB
	table string
}

// NewPostgresTier wraps an open database handle.
func NewPostgresTier(db *sql.DB, table string) *PostgresTier {
	if table == "" {
		table = defaultPostgresTable
	}
	return &PostgresTier{db: db, table: pq.QuoteIdentifier(table)}
}

// OpenPostgresTier connects with dsn and creates the table when missing.
func OpenPostgresTier(ctx context.Context, dsn, table string) (*PostgresTier, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	t := NewPostgresTier(db, table)
	if err := t.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

// EnsureSchema creates the key-value table.
func (p *PostgresTier) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+p.table+` (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM `+p.table+` WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *PostgresTier) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO `+p.table+` (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return err
}

func (p *PostgresTier) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM `+p.table+` WHERE key = $1`, key)
	return err
}

func (p *PostgresTier) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM `+p.table+` WHERE left(key, length($1)) = $1 ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (p *PostgresTier) Close() error { return p.db.Close() }

var _ domain.Tier = (*PostgresTier)(nil)
