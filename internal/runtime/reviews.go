package runtime

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/enerr"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/storage"
)

// Review actions.
const (
	ReviewActionDelete = "delete"
	ReviewActionKeep   = "keep"
)

// ReviewSelection is one memory a reviewer wants acted on, pinned to the
// state it was shown in.
type ReviewSelection struct {
	MemoryID  int64  `json:"memory_id"`
	StateHash string `json:"state_hash"`
}

// PreparedReview is the pending half of a two-phase cleanup.
type PreparedReview struct {
	ReviewID   string            `json:"review_id"`
	Action     string            `json:"action"`
	Reviewer   string            `json:"reviewer,omitempty"`
	Token      string            `json:"token"`
	Phrase     string            `json:"confirmation_phrase"`
	Selections []ReviewSelection `json:"selections"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// StaleSelectionError carries the 409 payload when prepared state no
// longer matches the store.
type StaleSelectionError struct {
	MissingIDs []int64 `json:"missing_ids"`
	StaleIDs   []int64 `json:"stale_ids"`
}

func (e *StaleSelectionError) Error() string {
	return fmt.Sprintf("%v: %d missing, %d stale selections", enerr.ErrStaleState, len(e.MissingIDs), len(e.StaleIDs))
}

func (e *StaleSelectionError) Unwrap() error { return enerr.ErrStaleState }

// ReviewItemOutcome reports one memory's fate during confirm.
type ReviewItemOutcome struct {
	MemoryID int64  `json:"memory_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// ReviewOutcome is the confirm report.
type ReviewOutcome struct {
	ReviewID string              `json:"review_id"`
	Action   string              `json:"action"`
	Deleted  int                 `json:"deleted"`
	Kept     int                 `json:"kept"`
	Skipped  int                 `json:"skipped"`
	Errors   int                 `json:"errors"`
	Items    []ReviewItemOutcome `json:"items"`
}

// ReviewCoordinator holds pending cleanup reviews. Reviews expire after a
// TTL and the pending set is capped; confirm consumes atomically so a
// review can only ever fire once.
type ReviewCoordinator struct {
	mu      sync.Mutex
	pending map[string]*PreparedReview

	store      storage.Store
	logger     *zap.Logger
	defaultTTL time.Duration
	maxPending int
}

// NewReviewCoordinator reads TTL and capacity from configuration.
func NewReviewCoordinator(store storage.Store, logger *zap.Logger) *ReviewCoordinator {
	return &ReviewCoordinator{
		pending:    make(map[string]*PreparedReview),
		store:      store,
		logger:     logger,
		defaultTTL: time.Duration(config.GetIntMin("runtime.cleanup-review-ttl-seconds", 1)) * time.Second,
		maxPending: config.GetIntMin("runtime.cleanup-review-max-pending", 1),
	}
}

// Prepare validates the selections against current store state and mints a
// pending review. Any missing or drifted memory aborts the whole prepare.
func (r *ReviewCoordinator) Prepare(ctx context.Context, action string, selections []ReviewSelection, reviewer string, ttl time.Duration) (*PreparedReview, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if action != ReviewActionDelete && action != ReviewActionKeep {
		return nil, fmt.Errorf("%w: unknown review action %q", enerr.ErrValidation, action)
	}
	if len(selections) == 0 {
		return nil, fmt.Errorf("%w: review needs at least one selection", enerr.ErrValidation)
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	current, err := r.currentItems(ctx, selections)
	if err != nil {
		return nil, err
	}

	var staleErr StaleSelectionError
	for _, selection := range selections {
		item, ok := current[selection.MemoryID]
		switch {
		case !ok:
			staleErr.MissingIDs = append(staleErr.MissingIDs, selection.MemoryID)
		case item.StateHash != selection.StateHash:
			staleErr.StaleIDs = append(staleErr.StaleIDs, selection.MemoryID)
		}
	}
	if len(staleErr.MissingIDs) > 0 || len(staleErr.StaleIDs) > 0 {
		return nil, &staleErr
	}

	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("minting review token: %w", err)
	}

	review := &PreparedReview{
		ReviewID:   uuid.NewString(),
		Action:     action,
		Reviewer:   reviewer,
		Token:      hex.EncodeToString(token),
		Phrase:     fmt.Sprintf("CONFIRM %s %d", strings.ToUpper(action), len(selections)),
		Selections: selections,
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked()
	if len(r.pending) >= r.maxPending {
		return nil, fmt.Errorf("%w: too many pending cleanup reviews", enerr.ErrConflict)
	}
	r.pending[review.ReviewID] = review
	return review, nil
}

// Confirm consumes a pending review and executes its action. Wrong token
// or phrase does not consume the review.
func (r *ReviewCoordinator) Confirm(ctx context.Context, reviewID, token, phrase string) (*ReviewOutcome, error) {
	r.mu.Lock()
	r.evictExpiredLocked()
	review, ok := r.pending[reviewID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: review %s not found or expired", enerr.ErrNotFound, reviewID)
	}
	if subtle.ConstantTimeCompare([]byte(review.Token), []byte(token)) != 1 {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: review token mismatch", enerr.ErrValidation)
	}
	if strings.TrimSpace(phrase) != review.Phrase {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: confirmation phrase mismatch", enerr.ErrValidation)
	}
	delete(r.pending, reviewID)
	r.mu.Unlock()

	outcome := &ReviewOutcome{ReviewID: review.ReviewID, Action: review.Action}
	current, err := r.currentItems(ctx, review.Selections)
	if err != nil {
		return nil, err
	}

	for _, selection := range review.Selections {
		item, ok := current[selection.MemoryID]
		switch {
		case !ok:
			outcome.Skipped++
			outcome.Items = append(outcome.Items, ReviewItemOutcome{
				MemoryID: selection.MemoryID, Status: "skipped", Reason: "memory_missing"})
		case item.StateHash != selection.StateHash:
			outcome.Skipped++
			outcome.Items = append(outcome.Items, ReviewItemOutcome{
				MemoryID: selection.MemoryID, Status: "skipped", Reason: "stale_state"})
		case review.Action != ReviewActionDelete:
			outcome.Kept++
			outcome.Items = append(outcome.Items, ReviewItemOutcome{
				MemoryID: selection.MemoryID, Status: "kept"})
		case !item.CanDelete:
			outcome.Skipped++
			outcome.Items = append(outcome.Items, ReviewItemOutcome{
				MemoryID: selection.MemoryID, Status: "skipped", Reason: "active_paths"})
		default:
			err := r.store.PermanentlyDeleteMemory(ctx, selection.MemoryID, storage.DeleteMemoryOptions{
				RequireOrphan:     true,
				ExpectedStateHash: selection.StateHash,
			})
			if err != nil {
				outcome.Errors++
				outcome.Items = append(outcome.Items, ReviewItemOutcome{
					MemoryID: selection.MemoryID, Status: "error", Reason: err.Error()})
				r.logger.Warn("cleanup delete failed",
					zap.Int64("memory_id", selection.MemoryID), zap.Error(err))
				continue
			}
			outcome.Deleted++
			outcome.Items = append(outcome.Items, ReviewItemOutcome{
				MemoryID: selection.MemoryID, Status: "deleted"})
		}
	}
	return outcome, nil
}

// PendingCount reports how many reviews are live.
func (r *ReviewCoordinator) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked()
	return len(r.pending)
}

func (r *ReviewCoordinator) evictExpiredLocked() {
	now := time.Now().UTC()
	for id, review := range r.pending {
		if now.After(review.ExpiresAt) {
			delete(r.pending, id)
		}
	}
}

// currentItems re-fetches the live cleanup state for the selected ids.
// The id scope bypasses threshold filtering so any memory can be compared.
func (r *ReviewCoordinator) currentItems(ctx context.Context, selections []ReviewSelection) (map[int64]memory.CleanupItem, error) {
	ids := make([]int64, 0, len(selections))
	for _, selection := range selections {
		ids = append(ids, selection.MemoryID)
	}
	candidates, err := r.store.GetVitalityCleanupCandidates(ctx, storage.CleanupQuery{
		MemoryIDs: ids,
		Limit:     len(ids),
	})
	if err != nil {
		return nil, err
	}
	current := make(map[int64]memory.CleanupItem, len(candidates.Items))
	for _, item := range candidates.Items {
		current[item.MemoryID] = item
	}
	return current, nil
}
