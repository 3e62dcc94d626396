package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/untoldecay/engram/internal/enerr"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/storage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "engram.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestMemory(t *testing.T, store *SQLiteStore, parent, title, content string) *storage.CreateMemoryResult {
	t.Helper()
	result, err := store.CreateMemory(context.Background(), storage.CreateMemoryParams{
		ParentPath: parent,
		Title:      title,
		Content:    content,
		Domain:     "project",
	})
	if err != nil {
		t.Fatalf("Failed to create memory %q: %v", title, err)
	}
	return result
}

func TestCreateAndGetMemory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestMemory(t, store, "auth", "Token Refresh", "Tokens refresh every 15 minutes.")
	if created.Path != "auth/token-refresh" {
		t.Errorf("Expected path auth/token-refresh, got %q", created.Path)
	}
	if created.URI != "project://auth/token-refresh" {
		t.Errorf("Unexpected URI %q", created.URI)
	}
	if len(created.IndexTargets) != 1 || created.IndexTargets[0] != created.ID {
		t.Errorf("Expected index target [%d], got %v", created.ID, created.IndexTargets)
	}

	mem, err := store.GetMemoryByPath(ctx, "auth/token-refresh", "project")
	if err != nil {
		t.Fatalf("Failed to resolve path: %v", err)
	}
	if mem.ID != created.ID {
		t.Errorf("Expected memory %d, got %d", created.ID, mem.ID)
	}
	if mem.Content != "Tokens refresh every 15 minutes." {
		t.Errorf("Unexpected content %q", mem.Content)
	}
	if mem.VitalityScore != 1.0 {
		t.Errorf("Expected vitality 1.0, got %v", mem.VitalityScore)
	}
}

func TestCreateMemoryValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateMemory(ctx, storage.CreateMemoryParams{Title: "x", Content: "  ", Domain: "project"})
	if !errors.Is(err, enerr.ErrValidation) {
		t.Errorf("Expected validation error for empty content, got %v", err)
	}

	_, err = store.CreateMemory(ctx, storage.CreateMemoryParams{Title: "x", Content: "c", Domain: "project", Priority: 9})
	if !errors.Is(err, enerr.ErrValidation) {
		t.Errorf("Expected validation error for priority 9, got %v", err)
	}

	createTestMemory(t, store, "", "dup", "first")
	_, err = store.CreateMemory(ctx, storage.CreateMemoryParams{Title: "dup", Content: "second", Domain: "project"})
	if !errors.Is(err, enerr.ErrConflict) {
		t.Errorf("Expected conflict for duplicate path, got %v", err)
	}
}

func TestUpdateMemoryVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestMemory(t, store, "auth", "session", "Sessions last one hour.")
	if err := store.AddPath(ctx, "aliases/session", "project", created.Path, "project"); err != nil {
		t.Fatalf("Failed to add alias: %v", err)
	}

	newContent := "Sessions last eight hours."
	result, err := store.UpdateMemory(ctx, storage.UpdateMemoryParams{
		Path: created.Path, Domain: "project", Content: &newContent,
	})
	if err != nil {
		t.Fatalf("Failed to update memory: %v", err)
	}
	if !result.Versioned {
		t.Fatal("Expected content change to create a new version")
	}
	if result.NewMemoryID == result.OldMemoryID {
		t.Error("Expected a new memory id")
	}

	// Old version becomes a deprecated orphan linked to its successor.
	old, err := store.GetMemoryByID(ctx, result.OldMemoryID)
	if err != nil {
		t.Fatalf("Failed to load old version: %v", err)
	}
	if !old.Deprecated {
		t.Error("Expected old version to be deprecated")
	}
	if old.MigratedTo == nil || *old.MigratedTo != result.NewMemoryID {
		t.Errorf("Expected migrated_to=%d, got %v", result.NewMemoryID, old.MigratedTo)
	}

	// Both paths must now resolve to the new version.
	for _, path := range []string{created.Path, "aliases/session"} {
		mem, err := store.GetMemoryByPath(ctx, path, "project")
		if err != nil {
			t.Fatalf("Failed to resolve %q: %v", path, err)
		}
		if mem.ID != result.NewMemoryID {
			t.Errorf("Path %q resolves to %d, expected %d", path, mem.ID, result.NewMemoryID)
		}
	}
}

func TestUpdateMemoryMetadataOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestMemory(t, store, "", "config", "Use the staging endpoint.")

	priority := 1
	result, err := store.UpdateMemory(ctx, storage.UpdateMemoryParams{
		Path: created.Path, Domain: "project", Priority: &priority,
	})
	if err != nil {
		t.Fatalf("Failed to update priority: %v", err)
	}
	if result.Versioned {
		t.Error("Metadata-only change must not version")
	}
	if result.NewMemoryID != created.ID {
		t.Errorf("Expected same memory id %d, got %d", created.ID, result.NewMemoryID)
	}

	mem, _ := store.GetMemoryByID(ctx, created.ID)
	if mem.Priority != 1 {
		t.Errorf("Expected priority 1, got %d", mem.Priority)
	}

	// Same content reformatted must not version either.
	same := "Use  the   STAGING endpoint."
	result, err = store.UpdateMemory(ctx, storage.UpdateMemoryParams{
		Path: created.Path, Domain: "project", Content: &same,
	})
	if err != nil {
		t.Fatalf("Failed no-op update: %v", err)
	}
	if result.Versioned {
		t.Error("Whitespace/case-only change must not version")
	}
}

func TestRemovePathAndOrphans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestMemory(t, store, "", "notes", "Standup is at ten.")
	child := createTestMemory(t, store, "notes", "today", "Demo the browse view.")

	// A path with children cannot be removed.
	if _, err := store.RemovePath(ctx, created.Path, "project"); !errors.Is(err, enerr.ErrConflict) {
		t.Fatalf("Expected conflict removing a parent path, got %v", err)
	}
	if _, err := store.RemovePath(ctx, child.Path, "project"); err != nil {
		t.Fatalf("Failed to remove child path: %v", err)
	}
	if err := store.PermanentlyDeleteMemory(ctx, child.ID, storage.DeleteMemoryOptions{RequireOrphan: true}); err != nil {
		t.Fatalf("Failed to delete child memory: %v", err)
	}

	result, err := store.RemovePath(ctx, created.Path, "project")
	if err != nil {
		t.Fatalf("Failed to remove path: %v", err)
	}
	if !result.Orphaned {
		t.Error("Removing the last path should orphan the memory")
	}

	orphans, err := store.GetAllOrphanMemories(ctx)
	if err != nil {
		t.Fatalf("Failed to list orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != created.ID {
		t.Fatalf("Expected orphan %d, got %+v", created.ID, orphans)
	}
	if orphans[0].Category != "orphaned" {
		t.Errorf("Expected category orphaned, got %q", orphans[0].Category)
	}

	detail, err := store.GetOrphanDetail(ctx, created.ID)
	if err != nil {
		t.Fatalf("Failed to load orphan detail: %v", err)
	}
	if detail.Memory.ID != created.ID {
		t.Errorf("Unexpected orphan detail %+v", detail)
	}
}

func TestPermanentDeleteRequiresOrphan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestMemory(t, store, "", "keep", "Still addressable.")

	err := store.PermanentlyDeleteMemory(ctx, created.ID, storage.DeleteMemoryOptions{RequireOrphan: true})
	if !errors.Is(err, enerr.ErrConflict) {
		t.Fatalf("Expected conflict while paths exist, got %v", err)
	}

	if _, err := store.RemovePath(ctx, created.Path, "project"); err != nil {
		t.Fatalf("Failed to remove path: %v", err)
	}
	if err := store.PermanentlyDeleteMemory(ctx, created.ID, storage.DeleteMemoryOptions{RequireOrphan: true}); err != nil {
		t.Fatalf("Failed to delete orphan: %v", err)
	}
	if _, err := store.GetMemoryByID(ctx, created.ID); !errors.Is(err, enerr.ErrNotFound) {
		t.Errorf("Expected not-found after delete, got %v", err)
	}
}

func TestPermanentDeleteRepairsMigrationChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestMemory(t, store, "", "chain", "v1")
	v2 := "v2"
	second, err := store.UpdateMemory(ctx, storage.UpdateMemoryParams{Path: created.Path, Domain: "project", Content: &v2})
	if err != nil {
		t.Fatalf("Failed first update: %v", err)
	}
	v3 := "v3"
	third, err := store.UpdateMemory(ctx, storage.UpdateMemoryParams{Path: created.Path, Domain: "project", Content: &v3})
	if err != nil {
		t.Fatalf("Failed second update: %v", err)
	}

	// Deleting the middle version must relink v1 -> v3.
	if err := store.PermanentlyDeleteMemory(ctx, second.NewMemoryID, storage.DeleteMemoryOptions{RequireOrphan: true}); err != nil {
		t.Fatalf("Failed to delete middle version: %v", err)
	}
	first, err := store.GetMemoryByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("Failed to load first version: %v", err)
	}
	if first.MigratedTo == nil || *first.MigratedTo != third.NewMemoryID {
		t.Errorf("Expected v1.migrated_to=%d, got %v", third.NewMemoryID, first.MigratedTo)
	}
}

func TestGetChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root := createTestMemory(t, store, "", "auth", "Auth overview.")
	createTestMemory(t, store, "auth", "tokens", "Token details.")
	createTestMemory(t, store, "auth", "sessions", "Session details.")
	createTestMemory(t, store, "auth/tokens", "rotation", "Deep child, not a direct one.")

	children, err := store.GetChildren(ctx, &root.ID, "project")
	if err != nil {
		t.Fatalf("Failed to list children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("Expected 2 direct children, got %d: %+v", len(children), children)
	}
	if children[0].Path != "auth/sessions" || children[1].Path != "auth/tokens" {
		t.Errorf("Unexpected child order: %+v", children)
	}

	roots, err := store.GetChildren(ctx, nil, "project")
	if err != nil {
		t.Fatalf("Failed to list roots: %v", err)
	}
	if len(roots) != 1 || roots[0].Path != "auth" {
		t.Errorf("Expected single root auth, got %+v", roots)
	}

	// Gist enrichment on a child preview.
	tokens, err := store.GetMemoryByPath(ctx, "auth/tokens", "project")
	if err != nil {
		t.Fatalf("Failed to fetch child: %v", err)
	}
	err = store.UpsertMemoryGist(ctx, memory.Gist{
		MemoryID:     tokens.ID,
		GistText:     "Token rotation summary.",
		SourceHash:   memory.ContentHash(tokens.Content),
		GistMethod:   memory.GistMethodExtractive,
		QualityScore: 0.7,
	})
	if err != nil {
		t.Fatalf("Failed to upsert gist: %v", err)
	}
	children, err = store.GetChildren(ctx, &root.ID, "project")
	if err != nil {
		t.Fatalf("Failed to list children with gists: %v", err)
	}
	for _, child := range children {
		if child.Path == "auth/tokens" && child.GistText != "Token rotation summary." {
			t.Errorf("Expected gist on child preview, got %+v", child)
		}
	}
}

func TestGetRecentMemories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createTestMemory(t, store, "", "first", "one")
	createTestMemory(t, store, "", "second", "two")
	third := createTestMemory(t, store, "", "third", "three")

	recent, err := store.GetRecentMemories(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(recent))
	}
	if recent[0].MemoryID != third.ID {
		t.Errorf("Expected newest first, got %+v", recent)
	}
	if recent[0].URI != "project://third" {
		t.Errorf("Unexpected URI %q", recent[0].URI)
	}
}

func TestRuntimeMetaRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value, err := store.GetRuntimeMeta(ctx, "missing.key")
	if err != nil || value != "" {
		t.Fatalf("Expected empty value for missing key, got %q err=%v", value, err)
	}

	if err := store.SetRuntimeMeta(ctx, "observability.test", `{"n":1}`); err != nil {
		t.Fatalf("Failed to set meta: %v", err)
	}
	if err := store.SetRuntimeMeta(ctx, "observability.test", `{"n":2}`); err != nil {
		t.Fatalf("Failed to overwrite meta: %v", err)
	}
	value, err = store.GetRuntimeMeta(ctx, "observability.test")
	if err != nil || value != `{"n":2}` {
		t.Errorf("Expected overwritten value, got %q err=%v", value, err)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestMemory(t, store, "", "indexed", "Content to slice.")
	chunks := []storage.Chunk{
		{MemoryID: created.ID, ChunkIndex: 0, Content: "Content to", CharStart: 0, CharEnd: 10,
			Embedding: []float32{0.5, -0.25, 1}, EmbeddingBackend: "hash"},
		{MemoryID: created.ID, ChunkIndex: 1, Content: "slice.", CharStart: 11, CharEnd: 17,
			EmbeddingBackend: "hash"},
	}
	if err := store.ReplaceMemoryChunks(ctx, created.ID, chunks); err != nil {
		t.Fatalf("Failed to store chunks: %v", err)
	}

	stored, err := store.ListChunks(ctx, storage.ChunkFilters{Domain: "project"})
	if err != nil {
		t.Fatalf("Failed to list chunks: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(stored))
	}
	if stored[0].URI != created.URI {
		t.Errorf("Unexpected chunk URI %q", stored[0].URI)
	}
	if len(stored[0].Embedding) != 3 || stored[0].Embedding[1] != -0.25 {
		t.Errorf("Embedding did not round-trip: %v", stored[0].Embedding)
	}

	status, err := store.GetIndexStatus(ctx)
	if err != nil {
		t.Fatalf("Failed to get index status: %v", err)
	}
	if !status.IndexAvailable || status.ChunkCount != 2 || status.EmbeddedChunks != 1 {
		t.Errorf("Unexpected index status %+v", status)
	}
	if status.EmbeddingBackend != "hash" {
		t.Errorf("Expected backend hash, got %q", status.EmbeddingBackend)
	}

	// Replace wipes the old set.
	if err := store.ReplaceMemoryChunks(ctx, created.ID, nil); err != nil {
		t.Fatalf("Failed to clear chunks: %v", err)
	}
	stored, _ = store.ListChunks(ctx, storage.ChunkFilters{})
	if len(stored) != 0 {
		t.Errorf("Expected no chunks after replace, got %d", len(stored))
	}
}

func TestGistUpsertAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestMemory(t, store, "", "gisted", "Long content worth summarizing.")

	gist := memory.Gist{
		MemoryID:     created.ID,
		GistText:     "Summary v1",
		SourceHash:   "hash-a",
		GistMethod:   memory.GistMethodLLM,
		QualityScore: 0.9,
	}
	if err := store.UpsertMemoryGist(ctx, gist); err != nil {
		t.Fatalf("Failed to insert gist: %v", err)
	}
	// Same source hash replaces in place.
	gist.GistText = "Summary v2"
	if err := store.UpsertMemoryGist(ctx, gist); err != nil {
		t.Fatalf("Failed to upsert gist: %v", err)
	}

	latest, err := store.GetLatestMemoryGist(ctx, created.ID)
	if err != nil {
		t.Fatalf("Failed to load gist: %v", err)
	}
	if latest == nil || latest.GistText != "Summary v2" {
		t.Fatalf("Expected replaced gist, got %+v", latest)
	}

	stats, err := store.GetGistStats(ctx)
	if err != nil {
		t.Fatalf("Failed to load gist stats: %v", err)
	}
	if stats.TotalGists != 1 || stats.CoveredMems != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.MethodCounts["llm_gist"] != 1 {
		t.Errorf("Expected one llm_gist, got %+v", stats.MethodCounts)
	}
}
