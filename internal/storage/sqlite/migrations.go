package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/untoldecay/engram/internal/config"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	migrationNamePattern = regexp.MustCompile(`^(\d{4,})_.*\.sql$`)
	addColumnPattern     = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+.+\s+ADD\s+COLUMN\s+.+$`)
)

type migrationFile struct {
	version  string
	name     string
	checksum string
	script   string
}

// runMigrations applies all pending SQL migrations in version order.
// Applied versions are tracked in schema_migrations with a checksum over
// the normalized file bytes; a checksum mismatch for a known version is
// fatal. On-disk databases serialize the whole run through a cross-process
// file lock. In-memory databases skip the lock.
func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	files, err := discoverMigrations()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	if s.dbPath == ":memory:" {
		return s.applyMigrations(ctx, files)
	}

	lockPath := config.GetString("migration.lock-file")
	if strings.TrimSpace(lockPath) == "" {
		lockPath = s.dbPath + ".migrate.lock"
	}
	timeout := time.Duration(config.GetFloat("migration.lock-timeout-sec") * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	lock := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && lockCtx.Err() == nil {
		return fmt.Errorf("failed to acquire migration lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("timed out waiting for migration lock %s (%s)", lockPath, timeout)
	}
	defer func() { _ = lock.Unlock() }()

	return s.applyMigrations(ctx, files)
}

func (s *SQLiteStore) applyMigrations(ctx context.Context, files []migrationFile) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL,
			checksum TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := s.loadAppliedChecksums(ctx)
	if err != nil {
		return err
	}

	for _, file := range files {
		if recorded, ok := applied[file.version]; ok {
			if recorded != file.checksum {
				return fmt.Errorf("checksum mismatch for migration %s: recorded=%s current=%s",
					file.version, recorded, file.checksum)
			}
			continue
		}

		err := s.runInTransaction(ctx, func(tx *sql.Tx) error {
			for _, statement := range splitSQLStatements(file.script) {
				if _, err := tx.ExecContext(ctx, statement); err != nil {
					if isIgnorableAddColumnError(statement, err) {
						continue
					}
					return fmt.Errorf("migration %s failed: %w", file.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at, checksum) VALUES (?, ?, ?)`,
				file.version, formatTime(time.Now()), file.checksum)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) loadAppliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func discoverMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var discovered []migrationFile
	for _, entry := range entries {
		match := migrationNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		raw, err := fs.ReadFile(migrationFiles, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		discovered = append(discovered, migrationFile{
			version:  match[1],
			name:     entry.Name(),
			checksum: normalizedChecksum(raw),
			script:   string(raw),
		})
	}
	sort.Slice(discovered, func(i, j int) bool { return discovered[i].version < discovered[j].version })
	return discovered, nil
}

// normalizedChecksum hashes the file bytes after CRLF normalization so
// checkout line-ending differences do not break boot.
func normalizedChecksum(content []byte) string {
	normalized := strings.ReplaceAll(string(content), "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// splitSQLStatements splits a script on semicolons, respecting single and
// double quoted strings, and drops comment-only fragments.
func splitSQLStatements(script string) []string {
	var statements []string
	var buffer strings.Builder
	inSingle := false
	inDouble := false
	var previous rune

	for _, char := range script {
		switch {
		case char == '\'' && !inDouble && previous != '\\':
			inSingle = !inSingle
		case char == '"' && !inSingle && previous != '\\':
			inDouble = !inDouble
		}
		if char == ';' && !inSingle && !inDouble {
			candidate := strings.TrimSpace(buffer.String())
			if candidate != "" && !isCommentOnly(candidate) {
				statements = append(statements, candidate)
			}
			buffer.Reset()
		} else {
			buffer.WriteRune(char)
		}
		previous = char
	}

	tail := strings.TrimSpace(buffer.String())
	if tail != "" && !isCommentOnly(tail) {
		statements = append(statements, tail)
	}
	return statements
}

func isCommentOnly(statement string) bool {
	for _, line := range strings.Split(statement, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// isIgnorableAddColumnError makes partially-replayed migrations resumable:
// re-adding an existing column is not an error.
func isIgnorableAddColumnError(statement string, err error) bool {
	if !addColumnPattern.MatchString(statement) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}
