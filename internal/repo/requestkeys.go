package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RequestKeys stores short-lived duplicate-submission suppression keys, e.g.
// "refresh_request_{user_id}". These mark an in-flight batch and are cleared
// by the terminal continuation; they are never a source of truth for status.
type RequestKeys struct {
	db *sql.DB
}

// NewRequestKeys creates a request-key store backed by the given database.
func NewRequestKeys(db *sql.DB) *RequestKeys {
	return &RequestKeys{db: db}
}

// Acquire sets the key if it is absent or expired. Returns false if a live
// key already exists (a duplicate submission).
func (r *RequestKeys) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO request_keys (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE request_keys.expires_at < ?`,
		key, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire request key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Release clears the key. Idempotent.
func (r *RequestKeys) Release(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM request_keys WHERE key = ?`, key); err != nil {
		return fmt.Errorf("release request key: %w", err)
	}
	return nil
}
