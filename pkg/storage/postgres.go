package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const createItemsTable = `
CREATE TABLE IF NOT EXISTS trustsync_items (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresDriver implements Driver on a single key/value table.
type PostgresDriver struct {
	db *sql.DB
}

// OpenPostgres opens a pgx-backed pool and ensures the items table exists
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresDriver, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := db.ExecContext(ctx, createItemsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create items table: %w", err)
	}

	return &PostgresDriver{db: db}, nil
}

func (p *PostgresDriver) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM trustsync_items WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select item %s: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresDriver) SetItem(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trustsync_items (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", key, err)
	}
	return nil
}

func (p *PostgresDriver) RemoveItem(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM trustsync_items WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete item %s: %w", key, err)
	}
	return nil
}

func (p *PostgresDriver) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM trustsync_items WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the underlying pool
func (p *PostgresDriver) Close() error {
	return p.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
