package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/storage"
)

const (
	lastDecayDayKey = "vitality.last_decay_day.v1"

	defaultVitalityCap    = 3.0
	defaultVitalityFloor  = 0.05
	defaultReinforceDelta = 0.1
	defaultDecayLambda    = 1.0 / 30.0
)

func vitalityCap() float64 {
	if v := config.GetFloat("runtime.vitality-cap"); v > 0 {
		return v
	}
	return defaultVitalityCap
}

func reinforceDelta() float64 {
	if v := config.GetFloat("runtime.vitality-reinforce-delta"); v > 0 {
		return v
	}
	return defaultReinforceDelta
}

func decayLambda() float64 {
	if v := config.GetFloat("runtime.vitality-decay-lambda"); v > 0 {
		return v
	}
	return defaultDecayLambda
}

// ReinforceMemoryAccess bumps access counters and vitality for each id.
// Non-positive ids are skipped.
func (s *SQLiteStore) ReinforceMemoryAccess(ctx context.Context, memoryIDs []int64) error {
	var valid []int64
	for _, id := range memoryIDs {
		if id > 0 {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	now := formatTime(time.Now())
	capScore := vitalityCap()
	delta := reinforceDelta()
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		for _, id := range valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE memories SET
					access_count = access_count + 1,
					last_accessed_at = ?,
					vitality_score = min(?, vitality_score + ?)
				WHERE id = ?`, now, capScore, delta, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyVitalityDecay multiplies every memory's vitality by
// exp(-lambda * days_since_last_access), floored, at most once per UTC day
// unless forced. The last applied day persists in runtime_meta so restarts
// do not double-decay.
func (s *SQLiteStore) ApplyVitalityDecay(ctx context.Context, force bool, reason string) (*storage.DecayResult, error) {
	today := time.Now().UTC().Format("2006-01-02")
	result := &storage.DecayResult{DecayDay: today, MinScore: defaultVitalityFloor}

	err := s.runInTransaction(ctx, func(tx *sql.Tx) error {
		var lastDay string
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM runtime_meta WHERE key = ?`, lastDecayDayKey).Scan(&lastDay)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if lastDay == today && !force {
			result.Applied = false
			result.Reason = "already_applied_today"
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET vitality_score = max(?, vitality_score * exp(
				-? * (julianday('now') - julianday(COALESCE(last_accessed_at, created_at)))
			))
			WHERE vitality_score > ?`,
			defaultVitalityFloor, decayLambda(), defaultVitalityFloor)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runtime_meta (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			lastDecayDayKey, today, formatTime(time.Now())); err != nil {
			return err
		}

		result.Applied = true
		result.Reason = reason
		result.Affected = affected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetVitalityCleanupCandidates lists low-vitality, long-inactive memories
// with the state hash needed for the two-phase cleanup flow. The query plan
// is profiled so the observability layer can flag index regressions.
func (s *SQLiteStore) GetVitalityCleanupCandidates(ctx context.Context, query storage.CleanupQuery) (*storage.CleanupCandidates, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	// An explicit id scope is an exact lookup for the review flow and
	// bypasses the vitality and inactivity filters.
	var conditions []string
	var args []any
	if len(query.MemoryIDs) == 0 {
		conditions = []string{
			"m.vitality_score <= ?",
			"(julianday('now') - julianday(COALESCE(m.last_accessed_at, m.created_at))) >= ?",
		}
		args = []any{query.Threshold, query.InactiveDays}
	}

	if query.Domain != "" || query.PathPrefix != "" {
		scope := `EXISTS (SELECT 1 FROM paths p WHERE p.memory_id = m.id`
		if query.Domain != "" {
			scope += ` AND p.domain = ?`
			args = append(args, query.Domain)
		}
		if query.PathPrefix != "" {
			scope += ` AND p.path LIKE ? ESCAPE '\'`
			args = append(args, escapeLike(memory.NormalizePath(query.PathPrefix))+"%")
		}
		conditions = append(conditions, scope+")")
	}
	if len(query.MemoryIDs) > 0 {
		placeholders := make([]string, len(query.MemoryIDs))
		for i, id := range query.MemoryIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		conditions = append(conditions, "m.id IN ("+strings.Join(placeholders, ", ")+")")
	}

	sqlText := `
		SELECT m.id, m.content, m.priority, m.disclosure, m.deprecated, m.migrated_to,
		       m.created_at, m.vitality_score, m.last_accessed_at, m.access_count
		FROM memories m
		WHERE ` + strings.Join(conditions, "\n		  AND ") + `
		ORDER BY m.vitality_score ASC, COALESCE(m.last_accessed_at, m.created_at) ASC
		LIMIT ?`
	args = append(args, limit)

	profile := s.profileCleanupQuery(ctx, sqlText, args)

	started := time.Now()
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	var mems []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		mems = append(mems, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	profile.QueryMs = float64(time.Since(started).Microseconds()) / 1000.0

	now := time.Now().UTC()
	items := make([]memory.CleanupItem, 0, len(mems))
	for _, m := range mems {
		aliases, err := s.GetAliases(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		uris := make([]string, 0, len(aliases))
		for _, a := range aliases {
			uris = append(uris, memory.MakeURI(a.Domain, a.Path))
		}

		referenceTime := m.CreatedAt
		if m.LastAccessedAt != nil {
			referenceTime = *m.LastAccessedAt
		}
		inactiveDays := now.Sub(referenceTime).Hours() / 24.0
		if inactiveDays < 0 {
			inactiveDays = 0
		}

		item := memory.CleanupItem{
			MemoryID:      m.ID,
			VitalityScore: m.VitalityScore,
			InactiveDays:  inactiveDays,
			AccessCount:   m.AccessCount,
			PathCount:     len(aliases),
			CanDelete:     len(aliases) == 0,
			StateHash: memory.StateHash(m.ID, m.Deprecated, m.MigratedTo,
				m.VitalityScore, m.AccessCount, m.LastAccessedAt, uris),
			ReasonCodes: []string{"low_vitality"},
		}
		if len(uris) > 0 {
			item.URI = uris[0]
		} else {
			item.URI = fmt.Sprintf("orphan://%d", m.ID)
			item.ReasonCodes = append(item.ReasonCodes, "orphaned")
		}
		if m.Deprecated {
			item.ReasonCodes = append(item.ReasonCodes, "deprecated")
		}
		items = append(items, item)
	}

	return &storage.CleanupCandidates{Items: items, Count: len(items), Profile: profile}, nil
}

// profileCleanupQuery inspects the query plan to record which of the
// cleanup indexes SQLite chose.
func (s *SQLiteStore) profileCleanupQuery(ctx context.Context, sqlText string, args []any) storage.CleanupQueryProfile {
	profile := storage.CleanupQueryProfile{
		IndexUsage: map[string]bool{
			"memory_cleanup_index": false,
			"path_scope_index":     false,
		},
	}

	rows, err := s.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+sqlText, args...)
	if err != nil {
		profile.Degraded = true
		return profile
	}
	defer rows.Close()

	for rows.Next() {
		var id, parent, notUsed int
		var detail string
		if err := rows.Scan(&id, &parent, &notUsed, &detail); err != nil {
			profile.Degraded = true
			return profile
		}
		switch {
		case strings.Contains(detail, "idx_memories_cleanup"):
			profile.IndexUsage["memory_cleanup_index"] = true
		case strings.Contains(detail, "idx_paths_memory_domain_path"):
			profile.IndexUsage["path_scope_index"] = true
		}
		if strings.Contains(detail, "SCAN memories") && !strings.Contains(detail, "USING INDEX") {
			profile.FullScan = true
		}
	}
	if err := rows.Err(); err != nil {
		profile.Degraded = true
	}
	return profile
}
