package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/storage"
	"github.com/untoldecay/engram/internal/storage/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	if err := config.Initialize(); err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "engram.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, zap.NewNop()), store
}

func seedMemory(t *testing.T, engine *Engine, store storage.Store, title, content string) *storage.CreateMemoryResult {
	t.Helper()
	ctx := context.Background()
	created, err := store.CreateMemory(ctx, storage.CreateMemoryParams{
		Title: title, Content: content, Domain: "project",
	})
	if err != nil {
		t.Fatalf("Failed to create memory %q: %v", title, err)
	}
	if err := engine.ReindexMemory(ctx, created.ID); err != nil {
		t.Fatalf("Failed to index memory %q: %v", title, err)
	}
	return created
}

func TestSearchEmptyQuery(t *testing.T) {
	engine, _ := newTestEngine(t)

	resp := engine.Search(context.Background(), Request{Query: "   ", Mode: ModeKeyword})
	if !resp.Degraded {
		t.Fatal("Empty query must degrade")
	}
	if len(resp.DegradeReasons) != 1 || resp.DegradeReasons[0] != DegradeEmptyQuery {
		t.Errorf("Expected [empty_query], got %v", resp.DegradeReasons)
	}
	if len(resp.Results) != 0 {
		t.Errorf("Expected no results, got %d", len(resp.Results))
	}
}

func TestSearchKeywordMode(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	hit := seedMemory(t, engine, store, "tokens", "Auth tokens rotate every fifteen minutes via the refresh endpoint.")
	seedMemory(t, engine, store, "lunch", "The team lunch happens on Fridays at noon.")

	resp := engine.Search(ctx, Request{Query: "auth tokens rotate", Mode: ModeKeyword, MaxResults: 5})
	if resp.ModeApplied != ModeKeyword {
		t.Errorf("Expected keyword mode, got %q", resp.ModeApplied)
	}
	if len(resp.Results) == 0 {
		t.Fatal("Expected results")
	}
	if resp.Results[0].MemoryID != hit.ID {
		t.Errorf("Expected %d first, got %+v", hit.ID, resp.Results[0])
	}
	if resp.Results[0].KeywordScore != 1.0 {
		t.Errorf("Expected full keyword overlap, got %v", resp.Results[0].KeywordScore)
	}
}

func TestSearchHybridModePrefersRelated(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	hit := seedMemory(t, engine, store, "deploys", "Deploys go through the staging pipeline before production.")
	seedMemory(t, engine, store, "coffee", "The espresso machine needs descaling monthly.")

	resp := engine.Search(ctx, Request{Query: "staging pipeline deploys", Mode: ModeHybrid, MaxResults: 2})
	if resp.ModeApplied != ModeHybrid {
		t.Errorf("Expected hybrid mode, got %q", resp.ModeApplied)
	}
	if len(resp.Results) == 0 || resp.Results[0].MemoryID != hit.ID {
		t.Fatalf("Expected %d first, got %+v", hit.ID, resp.Results)
	}
	if resp.Metadata.BackendMethod != "hash" {
		t.Errorf("Expected hash backend, got %q", resp.Metadata.BackendMethod)
	}
}

func TestSearchReinforcesReturnedMemories(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	hit := seedMemory(t, engine, store, "standup", "Standup notes live under the meetings path.")

	engine.Search(ctx, Request{Query: "standup notes", Mode: ModeKeyword, MaxResults: 3})

	mem, err := store.GetMemoryByID(ctx, hit.ID)
	if err != nil {
		t.Fatalf("Failed to load memory: %v", err)
	}
	if mem.AccessCount != 1 {
		t.Errorf("Expected access_count 1 after search, got %d", mem.AccessCount)
	}

	// Guard sub-calls skip reinforcement.
	engine.Search(ctx, Request{Query: "standup notes", Mode: ModeKeyword, MaxResults: 3, SkipReinforce: true})
	mem, _ = store.GetMemoryByID(ctx, hit.ID)
	if mem.AccessCount != 1 {
		t.Errorf("SkipReinforce search must not bump access_count, got %d", mem.AccessCount)
	}
}

func TestSearchIntentProfile(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedMemory(t, engine, store, "keys", "API keys rotate when the quarter changes.")

	// Legacy convention: classification runs, strategy does not apply.
	legacy := engine.Search(ctx, Request{Query: "why did the keys rotate", Mode: ModeHybrid, MaxResults: 4})
	if legacy.Metadata.Intent != IntentCausal {
		t.Errorf("Expected causal classification, got %q", legacy.Metadata.Intent)
	}
	if legacy.Metadata.IntentApplied || legacy.Metadata.StrategyTemplateApplied {
		t.Error("Legacy call must not apply strategy")
	}

	// Auto profile applies the causal wide-pool multiplier.
	auto := engine.Search(ctx, Request{
		Query: "why did the keys rotate", Mode: ModeHybrid,
		MaxResults: 4, CandidateMultiplier: 3, IntentProfile: "auto",
	})
	if !auto.Metadata.IntentApplied {
		t.Error("Auto profile must apply strategy")
	}
	if auto.Metadata.CandidateMultiplierApplied != 8 {
		t.Errorf("Expected causal multiplier 8, got %d", auto.Metadata.CandidateMultiplierApplied)
	}
	if auto.Metadata.StrategyTemplate != TemplateCausal {
		t.Errorf("Expected causal template, got %q", auto.Metadata.StrategyTemplate)
	}

	// Unsupported profile degrades but still answers.
	unsupported := engine.Search(ctx, Request{
		Query: "keys", Mode: ModeKeyword, MaxResults: 4, IntentProfile: "telepathic",
	})
	if !unsupported.Degraded {
		t.Fatal("Unsupported profile must degrade")
	}
	found := false
	for _, reason := range unsupported.DegradeReasons {
		if reason == DegradeIntentNotSupported {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected intent_profile_not_supported, got %v", unsupported.DegradeReasons)
	}
}

func TestSearchFiltersScopeResults(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedMemory(t, engine, store, "scoped", "Scoped fact about billing invoices.")
	other, err := store.CreateMemory(ctx, storage.CreateMemoryParams{
		Title: "elsewhere", Content: "Billing fact in another domain.", Domain: "personal",
	})
	if err != nil {
		t.Fatalf("Failed to create memory: %v", err)
	}
	if err := engine.ReindexMemory(ctx, other.ID); err != nil {
		t.Fatalf("Failed to index: %v", err)
	}

	resp := engine.Search(ctx, Request{
		Query: "billing", Mode: ModeKeyword, MaxResults: 10,
		Filters: storage.ChunkFilters{Domain: "project"},
	})
	for _, result := range resp.Results {
		if result.Domain != "project" {
			t.Errorf("Domain filter leaked %+v", result)
		}
	}
	if len(resp.Results) != 1 {
		t.Errorf("Expected 1 scoped result, got %d", len(resp.Results))
	}
}

func TestReindexClearsDeprecatedMemories(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	created := seedMemory(t, engine, store, "versioned", "Original content for the index.")

	updated := "Replacement content for the index."
	result, err := store.UpdateMemory(ctx, storage.UpdateMemoryParams{
		Path: created.Path, Domain: "project", Content: &updated,
	})
	if err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	if err := engine.ReindexMemory(ctx, created.ID); err != nil {
		t.Fatalf("Failed to reindex old version: %v", err)
	}
	if err := engine.ReindexMemory(ctx, result.NewMemoryID); err != nil {
		t.Fatalf("Failed to reindex new version: %v", err)
	}

	chunks, err := store.ListChunks(ctx, storage.ChunkFilters{})
	if err != nil {
		t.Fatalf("Failed to list chunks: %v", err)
	}
	for _, chunk := range chunks {
		if chunk.MemoryID == created.ID {
			t.Error("Deprecated memory must have no chunks")
		}
	}
}

func TestRebuildIndex(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := store.CreateMemory(ctx, storage.CreateMemoryParams{
		Title: "a", Content: "first", Domain: "project",
	}); err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	if _, err := store.CreateMemory(ctx, storage.CreateMemoryParams{
		Title: "b", Content: "second", Domain: "project",
	}); err != nil {
		t.Fatalf("Failed to create: %v", err)
	}

	indexed, err := engine.RebuildIndex(ctx)
	if err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}
	if indexed != 2 {
		t.Errorf("Expected 2 indexed memories, got %d", indexed)
	}

	status, err := store.GetIndexStatus(ctx)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if !status.IndexAvailable || status.IndexedMemories != 2 {
		t.Errorf("Unexpected status %+v", status)
	}
}

type failingChunkStore struct {
	storage.Store
}

func (s *failingChunkStore) ListChunks(ctx context.Context, filters storage.ChunkFilters) ([]storage.StoredChunk, error) {
	return nil, errors.New("chunk table unreadable")
}

func TestSearchDegradesWhenChunkListingFails(t *testing.T) {
	_, store := newTestEngine(t)
	engine := NewEngine(&failingChunkStore{Store: store}, zap.NewNop())

	resp := engine.Search(context.Background(), Request{Query: "auth tokens", Mode: ModeKeyword})
	if !resp.Degraded {
		t.Fatal("Store failure must degrade the response")
	}
	found := false
	for _, reason := range resp.DegradeReasons {
		if reason == DegradeChunkListingFailed {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected %q in %v", DegradeChunkListingFailed, resp.DegradeReasons)
	}
	if len(resp.Results) != 0 {
		t.Errorf("Expected no results, got %d", len(resp.Results))
	}
}
