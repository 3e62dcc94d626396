package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/untoldecay/engram/internal/memory"
)

// ReplaceMemoryTags swaps the tag set of a memory.
func (s *SQLiteStore) ReplaceMemoryTags(ctx context.Context, memoryID int64, tags []memory.Tag) error {
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_tags WHERE memory_id = ?`, memoryID); err != nil {
			return err
		}
		for _, tag := range tags {
			if strings.TrimSpace(tag.TagValue) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memory_tags (memory_id, tag_type, tag_value) VALUES (?, ?, ?)`,
				memoryID, tag.TagType, tag.TagValue); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTagsForMemories loads tags for a set of memories in one query.
func (s *SQLiteStore) ListTagsForMemories(ctx context.Context, memoryIDs []int64) (map[int64][]memory.Tag, error) {
	tags := make(map[int64][]memory.Tag)
	if len(memoryIDs) == 0 {
		return tags, nil
	}

	placeholders := make([]string, len(memoryIDs))
	args := make([]any, len(memoryIDs))
	for i, id := range memoryIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, tag_type, tag_value FROM memory_tags
		 WHERE memory_id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t memory.Tag
		if err := rows.Scan(&t.MemoryID, &t.TagType, &t.TagValue); err != nil {
			return nil, err
		}
		tags[t.MemoryID] = append(tags[t.MemoryID], t)
	}
	return tags, rows.Err()
}
