package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/retrieval"
	"github.com/untoldecay/engram/internal/storage"
)

// Degrade reason literals for consolidation steps.
const (
	DegradeSleepOrphanScan     = "sleep_orphan_scan_failed"
	DegradeSleepDedup          = "sleep_dedup_failed"
	DegradeSleepRollup         = "sleep_fragment_rollup_failed"
	DegradeSleepCleanupPreview = "sleep_cleanup_preview_failed"
	DegradeSleepRebuild        = "sleep_index_rebuild_failed"
)

const (
	rollupMinGroupSize  = 3
	rollupMaxSnippets   = 6
	rollupRecentWindow  = 100
	rollupGistQuality   = 0.55
	previewThreshold    = 0.3
	previewInactiveDays = 14
)

// Consolidator runs the sleep-time maintenance pass: orphan dedup,
// fragment rollup, cleanup preview, and a final index rebuild. Every step
// is fault tolerant; failures degrade, the pass still completes.
type Consolidator struct {
	store  storage.Store
	engine *retrieval.Engine
	logger *zap.Logger

	dedupApply  bool
	rollupApply bool
}

// NewConsolidator reads the apply flags from configuration; both default
// to preview-only.
func NewConsolidator(store storage.Store, engine *retrieval.Engine, logger *zap.Logger) *Consolidator {
	return &Consolidator{
		store:       store,
		engine:      engine,
		logger:      logger,
		dedupApply:  config.GetBool("runtime.sleep-dedup-apply"),
		rollupApply: config.GetBool("runtime.sleep-fragment-rollup-apply"),
	}
}

// Run executes one consolidation pass and reports per-step counts. The
// report shape matches the job-result envelope the maintenance surface
// returns verbatim.
func (c *Consolidator) Run(ctx context.Context, reason string) (map[string]any, error) {
	var degradeReasons []string
	report := map[string]any{"reason": reason}

	orphans, err := c.store.GetAllOrphanMemories(ctx)
	if err != nil {
		degradeReasons = append(degradeReasons, DegradeSleepOrphanScan)
		c.logger.Warn("sleep orphan scan failed", zap.Error(err))
	}
	deprecatedCount, orphanedCount := 0, 0
	for _, orphan := range orphans {
		if orphan.Deprecated {
			deprecatedCount++
		} else {
			orphanedCount++
		}
	}
	report["orphan_scan"] = map[string]any{
		"total":      len(orphans),
		"deprecated": deprecatedCount,
		"orphaned":   orphanedCount,
	}

	dedupReport, dedupDegrades := c.dedupOrphans(ctx, orphans)
	report["dedup"] = dedupReport
	degradeReasons = append(degradeReasons, dedupDegrades...)

	rollupReport, rollupDegrades := c.fragmentRollup(ctx)
	report["fragment_rollup"] = rollupReport
	degradeReasons = append(degradeReasons, rollupDegrades...)

	candidates, err := c.store.GetVitalityCleanupCandidates(ctx, storage.CleanupQuery{
		Threshold:    previewThreshold,
		InactiveDays: previewInactiveDays,
		Limit:        rollupRecentWindow,
	})
	if err != nil {
		degradeReasons = append(degradeReasons, DegradeSleepCleanupPreview)
		c.logger.Warn("sleep cleanup preview failed", zap.Error(err))
		report["cleanup_preview"] = map[string]any{"candidates": 0}
	} else {
		report["cleanup_preview"] = map[string]any{"candidates": candidates.Count}
	}

	rebuildReason := "sleep_consolidation:" + reason
	indexed, err := c.engine.RebuildIndex(ctx)
	if err != nil {
		degradeReasons = append(degradeReasons, DegradeSleepRebuild)
		c.logger.Warn("sleep index rebuild failed", zap.Error(err))
	}
	report["index_rebuild"] = map[string]any{
		"reason":           rebuildReason,
		"indexed_memories": indexed,
	}

	report["degraded"] = len(degradeReasons) > 0
	report["degrade_reasons"] = degradeReasons
	return report, ctx.Err()
}

// dedupOrphans groups orphans by normalized content hash and deletes all
// but the best survivor of each group when the apply flag is on.
func (c *Consolidator) dedupOrphans(ctx context.Context, orphans []memory.Orphan) (map[string]any, []string) {
	var degradeReasons []string
	report := map[string]any{
		"apply_enabled":      c.dedupApply,
		"duplicate_groups":   0,
		"deleted_duplicates": 0,
		"preview_only":       !c.dedupApply,
	}

	type orphanState struct {
		id         int64
		deprecated bool
		createdAt  time.Time
	}
	groups := make(map[string][]orphanState)
	for _, orphan := range orphans {
		detail, err := c.store.GetOrphanDetail(ctx, orphan.ID)
		if err != nil {
			degradeReasons = append(degradeReasons, DegradeSleepDedup)
			c.logger.Warn("sleep dedup detail fetch failed",
				zap.Int64("memory_id", orphan.ID), zap.Error(err))
			continue
		}
		hash := memory.ContentHash(detail.Memory.Content)
		groups[hash] = append(groups[hash], orphanState{
			id:         orphan.ID,
			deprecated: orphan.Deprecated,
			createdAt:  detail.Memory.CreatedAt,
		})
	}

	duplicateGroups, deleted := 0, 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		duplicateGroups++
		if !c.dedupApply {
			continue
		}

		// Survivor: non-deprecated beats deprecated, then newest, then
		// highest id.
		sort.Slice(group, func(i, j int) bool {
			if group[i].deprecated != group[j].deprecated {
				return !group[i].deprecated
			}
			if !group[i].createdAt.Equal(group[j].createdAt) {
				return group[i].createdAt.After(group[j].createdAt)
			}
			return group[i].id > group[j].id
		})
		for _, loser := range group[1:] {
			err := c.store.PermanentlyDeleteMemory(ctx, loser.id, storage.DeleteMemoryOptions{RequireOrphan: true})
			if err != nil {
				degradeReasons = append(degradeReasons, DegradeSleepDedup)
				c.logger.Warn("sleep dedup delete failed",
					zap.Int64("memory_id", loser.id), zap.Error(err))
				continue
			}
			deleted++
		}
	}

	report["duplicate_groups"] = duplicateGroups
	report["deleted_duplicates"] = deleted
	return report, degradeReasons
}

// fragmentRollup groups recent memories by (domain, parent path) and
// upserts a bullet gist on each group's anchor. Gists produced by any
// other method are never overwritten.
func (c *Consolidator) fragmentRollup(ctx context.Context) (map[string]any, []string) {
	var degradeReasons []string
	report := map[string]any{
		"apply_enabled":  c.rollupApply,
		"preview_groups": 0,
		"gist_upserts":   0,
		"preview_only":   !c.rollupApply,
	}

	recent, err := c.store.GetRecentMemories(ctx, rollupRecentWindow)
	if err != nil {
		degradeReasons = append(degradeReasons, DegradeSleepRollup)
		c.logger.Warn("sleep rollup listing failed", zap.Error(err))
		return report, degradeReasons
	}

	groups := make(map[string][]storage.RecentMemory)
	for _, item := range recent {
		if strings.TrimSpace(item.Snippet) == "" {
			continue
		}
		domain, path, err := memory.ParseURI(item.URI)
		if err != nil {
			continue
		}
		key := domain + "://" + memory.ParentPath(path)
		groups[key] = append(groups[key], item)
	}

	previewGroups, upserts := 0, 0
	for key, group := range groups {
		if len(group) < rollupMinGroupSize {
			continue
		}
		previewGroups++
		if !c.rollupApply {
			continue
		}

		// Anchor: lexicographically first URI in the group.
		sort.Slice(group, func(i, j int) bool { return group[i].URI < group[j].URI })
		anchor := group[0]

		existing, err := c.store.GetLatestMemoryGist(ctx, anchor.MemoryID)
		if err != nil {
			degradeReasons = append(degradeReasons, DegradeSleepRollup)
			continue
		}
		if existing != nil && existing.GistMethod != memory.GistMethodSleepRollup {
			continue
		}

		anchorMem, err := c.store.GetMemoryByID(ctx, anchor.MemoryID)
		if err != nil {
			degradeReasons = append(degradeReasons, DegradeSleepRollup)
			continue
		}

		var builder strings.Builder
		fmt.Fprintf(&builder, "Fragments under %s:\n", key)
		limit := rollupMaxSnippets
		if limit > len(group) {
			limit = len(group)
		}
		for _, item := range group[:limit] {
			fmt.Fprintf(&builder, "- %s\n", memory.Snippet(item.Snippet, 120))
		}

		err = c.store.UpsertMemoryGist(ctx, memory.Gist{
			MemoryID:     anchor.MemoryID,
			GistText:     strings.TrimRight(builder.String(), "\n"),
			SourceHash:   memory.ContentHash(anchorMem.Content),
			GistMethod:   memory.GistMethodSleepRollup,
			QualityScore: rollupGistQuality,
		})
		if err != nil {
			degradeReasons = append(degradeReasons, DegradeSleepRollup)
			c.logger.Warn("sleep rollup gist upsert failed",
				zap.Int64("memory_id", anchor.MemoryID), zap.Error(err))
			continue
		}
		upserts++
	}

	report["preview_groups"] = previewGroups
	report["gist_upserts"] = upserts
	return report, degradeReasons
}

// SleepScheduler periodically enqueues a sleep_consolidation job. A full
// queue is retried on a short backoff instead of waiting a whole interval.
type SleepScheduler struct {
	worker   *IndexWorker
	logger   *zap.Logger
	enabled  bool
	interval time.Duration
}

const sleepQueueFullRetry = 30 * time.Second

// NewSleepScheduler reads the schedule from configuration.
func NewSleepScheduler(worker *IndexWorker, logger *zap.Logger) *SleepScheduler {
	seconds := config.GetIntMin("runtime.sleep-consolidation-interval-seconds", 1)
	return &SleepScheduler{
		worker:   worker,
		logger:   logger,
		enabled:  config.GetBool("runtime.sleep-consolidation-enabled"),
		interval: time.Duration(seconds) * time.Second,
	}
}

// Enabled reports whether the scheduler will run at all.
func (s *SleepScheduler) Enabled() bool { return s.enabled }

// Run loops until ctx is cancelled.
func (s *SleepScheduler) Run(ctx context.Context) {
	if !s.enabled {
		return
	}
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		result := s.worker.Enqueue(TaskSleepConsolidation, nil, "scheduled")
		next := s.interval
		if result.Dropped {
			s.logger.Warn("sleep consolidation enqueue dropped, retrying soon")
			next = sleepQueueFullRetry
		}
		timer.Reset(next)
	}
}
