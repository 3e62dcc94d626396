package guard

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/retrieval"
	"github.com/untoldecay/engram/internal/storage"
	"github.com/untoldecay/engram/internal/storage/sqlite"
)

func newTestGuard(t *testing.T) (*Guard, *retrieval.Engine, storage.Store) {
	t.Helper()
	if err := config.Initialize(); err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "engram.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	engine := retrieval.NewEngine(store, zap.NewNop())
	return New(store, engine, zap.NewNop()), engine, store
}

func seedIndexed(t *testing.T, engine *retrieval.Engine, store storage.Store, title, content string) *storage.CreateMemoryResult {
	t.Helper()
	ctx := context.Background()
	created, err := store.CreateMemory(ctx, storage.CreateMemoryParams{
		Title: title, Content: content, Domain: "project",
	})
	if err != nil {
		t.Fatalf("Failed to create memory: %v", err)
	}
	if err := engine.ReindexMemory(ctx, created.ID); err != nil {
		t.Fatalf("Failed to index memory: %v", err)
	}
	return created
}

func TestGuardNoopOnDuplicate(t *testing.T) {
	g, engine, store := newTestGuard(t)
	ctx := context.Background()

	created := seedIndexed(t, engine, store, "tokens",
		"Auth tokens rotate every fifteen minutes through the refresh endpoint.")

	// Same content with formatting noise must still be a duplicate.
	decision := g.Evaluate(ctx,
		"auth  tokens ROTATE every fifteen minutes through   the refresh endpoint.",
		"project", "", 0)
	if decision.Action != ActionNoop {
		t.Fatalf("Expected NOOP, got %+v", decision)
	}
	if decision.TargetID == nil || *decision.TargetID != created.ID {
		t.Errorf("Expected target %d, got %v", created.ID, decision.TargetID)
	}
	if decision.TargetURI != created.URI {
		t.Errorf("Expected target URI %q, got %q", created.URI, decision.TargetURI)
	}
	if decision.Method != MethodEmbedding && decision.Method != MethodKeyword {
		t.Errorf("Unexpected method %q", decision.Method)
	}
}

func TestGuardUpdateOnNearDuplicate(t *testing.T) {
	g, engine, store := newTestGuard(t)
	ctx := context.Background()

	created := seedIndexed(t, engine, store, "deploys",
		"Deploys run through staging checks before reaching production machines.")

	decision := g.Evaluate(ctx,
		"Deploys run through staging checks before reaching the canary fleet first.",
		"project", "", 0)
	if decision.Action != ActionUpdate {
		t.Fatalf("Expected UPDATE, got %+v", decision)
	}
	if decision.TargetID == nil || *decision.TargetID != created.ID {
		t.Errorf("Expected target %d, got %v", created.ID, decision.TargetID)
	}
}

func TestGuardAddOnUnrelatedContent(t *testing.T) {
	g, engine, store := newTestGuard(t)
	ctx := context.Background()

	seedIndexed(t, engine, store, "tokens", "Auth tokens rotate every fifteen minutes.")

	decision := g.Evaluate(ctx,
		"Quarterly budget review happens in the finance channel.",
		"project", "", 0)
	if decision.Action != ActionAdd {
		t.Fatalf("Expected ADD, got %+v", decision)
	}
	if decision.TargetID != nil {
		t.Errorf("ADD must carry no target, got %v", decision.TargetID)
	}
}

func TestGuardAddOnEmptyIndex(t *testing.T) {
	g, _, _ := newTestGuard(t)

	decision := g.Evaluate(context.Background(), "Anything at all.", "project", "", 0)
	if decision.Action != ActionAdd {
		t.Fatalf("Expected ADD on empty index, got %+v", decision)
	}
	if decision.Method != MethodNone {
		t.Errorf("Expected method none, got %q", decision.Method)
	}
}

func TestGuardExcludesMemoryUnderUpdate(t *testing.T) {
	g, engine, store := newTestGuard(t)
	ctx := context.Background()

	created := seedIndexed(t, engine, store, "session",
		"Sessions expire after eight hours of inactivity in the dashboard.")

	// Re-submitting a memory's own content while updating it must not match
	// itself.
	decision := g.Evaluate(ctx,
		"Sessions expire after eight hours of inactivity in the dashboard.",
		"project", "", created.ID)
	if decision.Action != ActionAdd {
		t.Fatalf("Expected ADD when the only match is excluded, got %+v", decision)
	}
}

func TestGuardEmptyContent(t *testing.T) {
	g, _, _ := newTestGuard(t)

	decision := g.Evaluate(context.Background(), "   ", "project", "", 0)
	if decision.Action != ActionNoop {
		t.Errorf("Empty content must NOOP, got %+v", decision)
	}
}

func TestBlocksCreate(t *testing.T) {
	cases := map[string]bool{
		ActionAdd:    false,
		ActionBypass: false,
		ActionNoop:   true,
		ActionUpdate: true,
		ActionDelete: true,
	}
	for action, expected := range cases {
		if got := BlocksCreate(action); got != expected {
			t.Errorf("BlocksCreate(%s) = %v, expected %v", action, got, expected)
		}
	}
}

func TestBlocksUpdate(t *testing.T) {
	current := int64(7)
	other := int64(9)

	if BlocksUpdate(ActionAdd, nil, current) {
		t.Error("ADD must not block updates")
	}
	if !BlocksUpdate(ActionNoop, nil, current) {
		t.Error("NOOP must block updates")
	}
	if !BlocksUpdate(ActionDelete, nil, current) {
		t.Error("DELETE must block updates")
	}
	if BlocksUpdate(ActionUpdate, &current, current) {
		t.Error("UPDATE targeting the same memory must not block")
	}
	if !BlocksUpdate(ActionUpdate, &other, current) {
		t.Error("UPDATE targeting another memory must block")
	}
	if BlocksUpdate(ActionUpdate, nil, current) {
		t.Error("UPDATE without a target must not block")
	}
}

type brokenChunkStore struct {
	storage.Store
}

func (s *brokenChunkStore) ListChunks(ctx context.Context, filters storage.ChunkFilters) ([]storage.StoredChunk, error) {
	return nil, errors.New("chunk table unreadable")
}

func TestGuardFallbackAddWhenRetrievalFails(t *testing.T) {
	_, _, store := newTestGuard(t)
	broken := &brokenChunkStore{Store: store}
	engine := retrieval.NewEngine(broken, zap.NewNop())
	g := New(broken, engine, zap.NewNop())

	decision := g.Evaluate(context.Background(), "Entirely new fact about deploy windows.", "project", "", 0)
	if decision.Action != ActionAdd {
		t.Fatalf("Expected ADD when both sub-calls fail, got %+v", decision)
	}
	if decision.Method != MethodFallback {
		t.Errorf("Expected fallback method, got %q", decision.Method)
	}
	if !decision.Degraded {
		t.Error("Expected degraded decision")
	}
	var semantic, keyword bool
	for _, reason := range decision.DegradeReasons {
		if strings.HasPrefix(reason, "write_guard_semantic_failed:") {
			semantic = true
		}
		if strings.HasPrefix(reason, "write_guard_keyword_failed:") {
			keyword = true
		}
	}
	if !semantic || !keyword {
		t.Errorf("Expected both sub-call failures recorded, got %v", decision.DegradeReasons)
	}
}
