// Package sqlite implements the storage contract on a single-file SQLite
// database using the pure-Go ncruces driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/engram/internal/storage"
)

// SQLiteStore implements storage.Store.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

var _ storage.Store = (*SQLiteStore)(nil)

// New opens (creating if missing) the database at dbPath and applies all
// pending migrations. Pass ":memory:" for an ephemeral store.
func New(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// writers; readers multiplex through the WAL.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// UnderlyingDB exposes the raw handle for diagnostics and tests.
func (s *SQLiteStore) UnderlyingDB() *sql.DB {
	return s.db
}

// runInTransaction executes fn inside a transaction, committing on success
// and rolling back on error. The pool is capped at one connection, so
// transactions are already serialized before SQLite sees them.
func (s *SQLiteStore) runInTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Timestamps are stored as RFC3339Nano UTC strings for determinism at the
// API boundary.
func formatTime(t time.Time) string {
	// SQLite's date functions round sub-millisecond fractions, which can push
	// a freshly written timestamp ahead of julianday('now'); truncate to the
	// millisecond resolution SQLite actually keeps.
	return t.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil
	}
	return &t
}

// encodeEmbedding packs a float32 vector into a little-endian blob.
func encodeEmbedding(vector []float32) []byte {
	if len(vector) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	if len(blob) < 4 {
		return nil
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}
