package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engram.db")
	ctx := context.Background()

	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// Re-opening replays discovery against recorded checksums; nothing
	// should re-run or fail.
	store, err = New(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed second open: %v", err)
	}
	defer store.Close()

	var count int
	if err := store.UnderlyingDB().QueryRow(
		`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 applied migrations, got %d", count)
	}
}

func TestCanonicalIndexesExist(t *testing.T) {
	store := newTestStore(t)

	required := []string{
		"idx_memory_chunks_memory_id",
		"idx_memory_gists_memory_id",
		"idx_memory_gists_memory_source_hash_unique",
		"idx_memory_tags_memory_id",
		"idx_memories_cleanup_last_accessed",
		"idx_memories_cleanup_created",
		"idx_paths_memory_domain_path",
	}
	for _, name := range required {
		var found string
		err := store.UnderlyingDB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&found)
		if err != nil {
			t.Errorf("Required index %s missing: %v", name, err)
		}
	}

	// Legacy ix_* names must be gone after migration 0003.
	var legacy int
	if err := store.UnderlyingDB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'ix\_%' ESCAPE '\'`).Scan(&legacy); err != nil {
		t.Fatalf("Failed to count legacy indexes: %v", err)
	}
	if legacy != 0 {
		t.Errorf("Expected no legacy ix_* indexes, found %d", legacy)
	}
}

func TestNormalizedChecksumIgnoresLineEndings(t *testing.T) {
	unix := []byte("CREATE TABLE t (id INTEGER);\n")
	windows := []byte("CREATE TABLE t (id INTEGER);\r\n")
	if normalizedChecksum(unix) != normalizedChecksum(windows) {
		t.Error("Checksum must be stable across CRLF/LF")
	}
	if normalizedChecksum(unix) == normalizedChecksum([]byte("CREATE TABLE u (id INTEGER);\n")) {
		t.Error("Checksum must differ for different content")
	}
}

func TestSplitSQLStatements(t *testing.T) {
	script := `
-- leading comment only;
CREATE TABLE a (name TEXT DEFAULT 'semi;colon');
-- another comment
INSERT INTO a (name) VALUES ('x;y');
CREATE INDEX idx_a ON a(name)`

	statements := splitSQLStatements(script)
	if len(statements) != 3 {
		t.Fatalf("Expected 3 statements, got %d: %q", len(statements), statements)
	}
	if statements[0] != `CREATE TABLE a (name TEXT DEFAULT 'semi;colon')` {
		t.Errorf("Quoted semicolon split wrongly: %q", statements[0])
	}
	if statements[2] != "CREATE INDEX idx_a ON a(name)" {
		t.Errorf("Unterminated tail dropped: %q", statements[2])
	}
}

func TestSplitSQLStatementsDropsCommentOnlyScript(t *testing.T) {
	statements := splitSQLStatements("-- only comments;\n-- nothing else")
	if len(statements) != 0 {
		t.Errorf("Comment-only script must yield no statements, got %q", statements)
	}
}
