package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/storage"
)

func orphanSelection(t *testing.T, store storage.Store, memoryID int64) ReviewSelection {
	t.Helper()
	candidates, err := store.GetVitalityCleanupCandidates(context.Background(), storage.CleanupQuery{
		MemoryIDs: []int64{memoryID},
		Limit:     1,
	})
	if err != nil {
		t.Fatalf("Failed to fetch cleanup state: %v", err)
	}
	if len(candidates.Items) != 1 {
		t.Fatalf("Expected one candidate, got %d", len(candidates.Items))
	}
	item := candidates.Items[0]
	return ReviewSelection{MemoryID: item.MemoryID, StateHash: item.StateHash}
}

func makeOrphan(t *testing.T, store storage.Store, title, content string) int64 {
	t.Helper()
	created := createTestMemory(t, store, title, content)
	result, err := store.RemovePath(context.Background(), created.Path, created.Domain)
	if err != nil {
		t.Fatalf("Failed to remove path: %v", err)
	}
	if !result.Orphaned {
		t.Fatalf("Expected memory %d to orphan", created.ID)
	}
	return created.ID
}

func TestReviewPrepareAndConfirmDelete(t *testing.T) {
	store := newTestStore(t)
	coordinator := NewReviewCoordinator(store, zap.NewNop())
	ctx := context.Background()

	id := makeOrphan(t, store, "stale-note", "An old note nobody reads anymore.")
	selection := orphanSelection(t, store, id)

	review, err := coordinator.Prepare(ctx, ReviewActionDelete, []ReviewSelection{selection}, "ops", time.Minute)
	if err != nil {
		t.Fatalf("Failed to prepare review: %v", err)
	}
	if review.Phrase != "CONFIRM DELETE 1" {
		t.Errorf("Expected phrase CONFIRM DELETE 1, got %q", review.Phrase)
	}
	if review.Token == "" || review.ReviewID == "" {
		t.Error("Expected a minted token and review id")
	}

	outcome, err := coordinator.Confirm(ctx, review.ReviewID, review.Token, review.Phrase)
	if err != nil {
		t.Fatalf("Failed to confirm review: %v", err)
	}
	if outcome.Deleted != 1 || outcome.Errors != 0 {
		t.Fatalf("Expected one deletion, got %+v", outcome)
	}

	if _, err := store.GetMemoryByID(ctx, id); err == nil {
		t.Error("Expected memory to be gone after confirm")
	}

	// Confirm consumes the review; a second confirm must fail.
	if _, err := coordinator.Confirm(ctx, review.ReviewID, review.Token, review.Phrase); err == nil {
		t.Error("Expected an error confirming a consumed review")
	}
}

func TestReviewPrepareRejectsStaleHash(t *testing.T) {
	store := newTestStore(t)
	coordinator := NewReviewCoordinator(store, zap.NewNop())
	ctx := context.Background()

	id := makeOrphan(t, store, "drifting", "State changed between listing and prepare.")

	_, err := coordinator.Prepare(ctx, ReviewActionDelete,
		[]ReviewSelection{{MemoryID: id, StateHash: "bogus"}}, "", 0)
	var stale *StaleSelectionError
	if !errors.As(err, &stale) {
		t.Fatalf("Expected StaleSelectionError, got %v", err)
	}
	if len(stale.StaleIDs) != 1 || stale.StaleIDs[0] != id {
		t.Errorf("Expected stale id %d, got %+v", id, stale)
	}

	_, err = coordinator.Prepare(ctx, ReviewActionDelete,
		[]ReviewSelection{{MemoryID: 999999, StateHash: "x"}}, "", 0)
	if !errors.As(err, &stale) {
		t.Fatalf("Expected StaleSelectionError for a missing id, got %v", err)
	}
	if len(stale.MissingIDs) != 1 {
		t.Errorf("Expected one missing id, got %+v", stale)
	}
}

func TestReviewConfirmSkipsDriftedState(t *testing.T) {
	store := newTestStore(t)
	coordinator := NewReviewCoordinator(store, zap.NewNop())
	ctx := context.Background()

	id := makeOrphan(t, store, "touched", "Reinforced after prepare, before confirm.")
	selection := orphanSelection(t, store, id)

	review, err := coordinator.Prepare(ctx, ReviewActionDelete, []ReviewSelection{selection}, "", 0)
	if err != nil {
		t.Fatalf("Failed to prepare review: %v", err)
	}

	// Touch the memory so its state hash drifts.
	if err := store.ReinforceMemoryAccess(ctx, []int64{id}); err != nil {
		t.Fatalf("Failed to reinforce: %v", err)
	}

	outcome, err := coordinator.Confirm(ctx, review.ReviewID, review.Token, review.Phrase)
	if err != nil {
		t.Fatalf("Failed to confirm: %v", err)
	}
	if outcome.Skipped != 1 || outcome.Deleted != 0 {
		t.Fatalf("Expected one skip, got %+v", outcome)
	}
	if outcome.Items[0].Reason != "stale_state" {
		t.Errorf("Expected stale_state, got %q", outcome.Items[0].Reason)
	}

	if _, err := store.GetMemoryByID(ctx, id); err != nil {
		t.Error("Drifted memory must survive the confirm")
	}
}

func TestReviewConfirmSkipsActivePaths(t *testing.T) {
	store := newTestStore(t)
	coordinator := NewReviewCoordinator(store, zap.NewNop())
	ctx := context.Background()

	created := createTestMemory(t, store, "alive", "Still referenced by a path.")
	selection := orphanSelection(t, store, created.ID)

	review, err := coordinator.Prepare(ctx, ReviewActionDelete, []ReviewSelection{selection}, "", 0)
	if err != nil {
		t.Fatalf("Failed to prepare review: %v", err)
	}
	outcome, err := coordinator.Confirm(ctx, review.ReviewID, review.Token, review.Phrase)
	if err != nil {
		t.Fatalf("Failed to confirm: %v", err)
	}
	if outcome.Skipped != 1 {
		t.Fatalf("Expected one skip, got %+v", outcome)
	}
	if outcome.Items[0].Reason != "active_paths" {
		t.Errorf("Expected active_paths, got %q", outcome.Items[0].Reason)
	}
}

func TestReviewConfirmRejectsBadCredentials(t *testing.T) {
	store := newTestStore(t)
	coordinator := NewReviewCoordinator(store, zap.NewNop())
	ctx := context.Background()

	id := makeOrphan(t, store, "guarded", "Token and phrase are both required.")
	selection := orphanSelection(t, store, id)
	review, err := coordinator.Prepare(ctx, ReviewActionDelete, []ReviewSelection{selection}, "", 0)
	if err != nil {
		t.Fatalf("Failed to prepare review: %v", err)
	}

	if _, err := coordinator.Confirm(ctx, review.ReviewID, "wrong-token", review.Phrase); err == nil {
		t.Error("Expected an error for a wrong token")
	}
	if _, err := coordinator.Confirm(ctx, review.ReviewID, review.Token, "CONFIRM DELETE 99"); err == nil {
		t.Error("Expected an error for a wrong phrase")
	}

	// Failed attempts must not consume the review.
	outcome, err := coordinator.Confirm(ctx, review.ReviewID, review.Token, review.Phrase)
	if err != nil {
		t.Fatalf("Failed to confirm with correct credentials: %v", err)
	}
	if outcome.Deleted != 1 {
		t.Errorf("Expected the review to still be live, got %+v", outcome)
	}
}

func TestReviewKeepAction(t *testing.T) {
	store := newTestStore(t)
	coordinator := NewReviewCoordinator(store, zap.NewNop())
	ctx := context.Background()

	id := makeOrphan(t, store, "keeper", "Reviewed and intentionally kept.")
	selection := orphanSelection(t, store, id)

	review, err := coordinator.Prepare(ctx, ReviewActionKeep, []ReviewSelection{selection}, "", 0)
	if err != nil {
		t.Fatalf("Failed to prepare keep review: %v", err)
	}
	if review.Phrase != "CONFIRM KEEP 1" {
		t.Errorf("Expected CONFIRM KEEP 1, got %q", review.Phrase)
	}
	outcome, err := coordinator.Confirm(ctx, review.ReviewID, review.Token, review.Phrase)
	if err != nil {
		t.Fatalf("Failed to confirm: %v", err)
	}
	if outcome.Kept != 1 || outcome.Deleted != 0 {
		t.Errorf("Expected one kept item, got %+v", outcome)
	}
	if _, err := store.GetMemoryByID(ctx, id); err != nil {
		t.Error("Kept memory must survive")
	}
}
