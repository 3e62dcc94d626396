package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/storage"
)

// DecayCoordinator rate-limits vitality decay. The store itself enforces
// the once-per-UTC-day rule; the coordinator keeps casual callers from
// hitting the database more often than the check interval.
type DecayCoordinator struct {
	mu            sync.Mutex
	store         storage.Store
	logger        *zap.Logger
	checkInterval time.Duration
	lastCheck     time.Time
}

// NewDecayCoordinator reads the check interval from configuration.
func NewDecayCoordinator(store storage.Store, logger *zap.Logger) *DecayCoordinator {
	seconds := config.GetIntMin("runtime.vitality-decay-check-interval-seconds", 1)
	return &DecayCoordinator{
		store:         store,
		logger:        logger,
		checkInterval: time.Duration(seconds) * time.Second,
	}
}

// MaybeApply runs decay unless a check already happened within the
// interval. force bypasses the interval but still serializes on the
// coordinator mutex so concurrent forced calls cannot race.
func (d *DecayCoordinator) MaybeApply(ctx context.Context, force bool, reason string) (*storage.DecayResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if !force && !d.lastCheck.IsZero() && now.Sub(d.lastCheck) < d.checkInterval {
		return &storage.DecayResult{Applied: false, Reason: "check_interval_not_elapsed"}, nil
	}
	d.lastCheck = now

	result, err := d.store.ApplyVitalityDecay(ctx, force, reason)
	if err != nil {
		return nil, err
	}
	if result.Applied {
		d.logger.Info("vitality decay applied",
			zap.String("reason", reason),
			zap.Int64("affected", result.Affected))
	}
	return result, nil
}
