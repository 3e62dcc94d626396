package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetRuntimeMeta reads a runtime metadata value. A missing key returns an
// empty string without error.
func (s *SQLiteStore) GetRuntimeMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM runtime_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetRuntimeMeta upserts a runtime metadata value.
func (s *SQLiteStore) SetRuntimeMeta(ctx context.Context, key, value string) error {
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runtime_meta (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, formatTime(time.Now()))
		return err
	})
}
