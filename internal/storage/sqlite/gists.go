package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/untoldecay/engram/internal/enerr"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/storage"
)

// UpsertMemoryGist stores a gist, replacing any prior gist for the same
// (memory, source hash) pair.
func (s *SQLiteStore) UpsertMemoryGist(ctx context.Context, gist memory.Gist) error {
	if gist.MemoryID <= 0 || gist.GistText == "" || gist.SourceHash == "" {
		return fmt.Errorf("%w: gist requires memory_id, text, and source hash", enerr.ErrValidation)
	}
	createdAt := gist.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory_gists (memory_id, gist_text, source_hash, gist_method, quality_score, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (memory_id, source_hash) DO UPDATE SET
				gist_text = excluded.gist_text,
				gist_method = excluded.gist_method,
				quality_score = excluded.quality_score,
				created_at = excluded.created_at`,
			gist.MemoryID, gist.GistText, gist.SourceHash, gist.GistMethod,
			gist.QualityScore, formatTime(createdAt))
		return err
	})
}

// GetLatestMemoryGist returns the newest gist for a memory, or nil.
func (s *SQLiteStore) GetLatestMemoryGist(ctx context.Context, memoryID int64) (*memory.Gist, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT memory_id, gist_text, source_hash, gist_method, quality_score, created_at
		FROM memory_gists WHERE memory_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, memoryID)

	var g memory.Gist
	var createdAt string
	err := row.Scan(&g.MemoryID, &g.GistText, &g.SourceHash, &g.GistMethod, &g.QualityScore, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t, err := parseTime(createdAt); err == nil {
		g.CreatedAt = t
	}
	return &g, nil
}

// GetGistStats summarizes gist coverage and quality.
func (s *SQLiteStore) GetGistStats(ctx context.Context) (*storage.GistStats, error) {
	stats := &storage.GistStats{MethodCounts: make(map[string]int64)}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT memory_id), COALESCE(AVG(quality_score), 0)
		FROM memory_gists`)
	if err := row.Scan(&stats.TotalGists, &stats.CoveredMems, &stats.AverageQuality); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT gist_method, COUNT(*) FROM memory_gists GROUP BY gist_method`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var count int64
		if err := rows.Scan(&method, &count); err != nil {
			return nil, err
		}
		stats.MethodCounts[method] = count
	}
	return stats, rows.Err()
}
