package store

import (
	"context"
	"database/sql"
	"fmt"
)

// KVRepo is a string key/value table backing the local persisted state.
type KVRepo struct {
	Dialect Dialect
}

// Get returns the value for key and whether it exists.
func (r *KVRepo) Get(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	const q = `SELECT kv_value FROM kv_entries WHERE kv_key = ?`
	var v string
	err := db.QueryRowContext(ctx, r.Dialect.Rebind(q), key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key, replacing any previous value.
func (r *KVRepo) Set(ctx context.Context, db *sql.DB, key, value string, nowMs int64) error {
	const q = `INSERT INTO kv_entries (kv_key, kv_value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (kv_key) DO UPDATE SET kv_value = excluded.kv_value, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, r.Dialect.Rebind(q), key, value, nowMs); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (r *KVRepo) Remove(ctx context.Context, db *sql.DB, key string) error {
	const q = `DELETE FROM kv_entries WHERE kv_key = ?`
	if _, err := db.ExecContext(ctx, r.Dialect.Rebind(q), key); err != nil {
		return fmt.Errorf("kv remove %s: %w", key, err)
	}
	return nil
}
