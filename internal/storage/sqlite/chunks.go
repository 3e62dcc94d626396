package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/storage"
)

// ListIndexableMemories returns every active addressable memory the index
// worker should chunk.
func (s *SQLiteStore) ListIndexableMemories(ctx context.Context) ([]storage.IndexableMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content FROM memories m
		WHERE m.deprecated = 0
		  AND EXISTS (SELECT 1 FROM paths p WHERE p.memory_id = m.id)
		ORDER BY m.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexable []storage.IndexableMemory
	for rows.Next() {
		var im storage.IndexableMemory
		if err := rows.Scan(&im.MemoryID, &im.Content); err != nil {
			return nil, err
		}
		indexable = append(indexable, im)
	}
	return indexable, rows.Err()
}

// ReplaceMemoryChunks atomically swaps a memory's chunk set.
func (s *SQLiteStore) ReplaceMemoryChunks(ctx context.Context, memoryID int64, chunks []storage.Chunk) error {
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_chunks WHERE memory_id = ?`, memoryID); err != nil {
			return err
		}
		for _, chunk := range chunks {
			// A nil []byte binds as a zero-length blob, not NULL, so pass an
			// untyped nil for chunks without an embedding.
			var embedding any
			if encoded := encodeEmbedding(chunk.Embedding); len(encoded) > 0 {
				embedding = encoded
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory_chunks
					(memory_id, chunk_index, content, char_start, char_end, embedding, embedding_backend)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				memoryID, chunk.ChunkIndex, chunk.Content, chunk.CharStart, chunk.CharEnd,
				embedding, chunk.EmbeddingBackend); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListChunks loads chunks joined with their addressing metadata, scoped by
// the given filters. Chunks of deprecated or path-less memories never match.
func (s *SQLiteStore) ListChunks(ctx context.Context, filters storage.ChunkFilters) ([]storage.StoredChunk, error) {
	conditions := []string{"m.deprecated = 0"}
	var args []any

	if filters.Domain != "" {
		conditions = append(conditions, "p.domain = ?")
		args = append(args, filters.Domain)
	}
	if filters.PathPrefix != "" {
		conditions = append(conditions, `p.path LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(memory.NormalizePath(filters.PathPrefix))+"%")
	}
	if filters.MaxPriority != nil {
		conditions = append(conditions, "m.priority <= ?")
		args = append(args, *filters.MaxPriority)
	}
	if filters.UpdatedAfter != nil {
		conditions = append(conditions, "m.created_at >= ?")
		args = append(args, formatTime(*filters.UpdatedAfter))
	}
	if filters.ExcludeID > 0 {
		conditions = append(conditions, "m.id != ?")
		args = append(args, filters.ExcludeID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.memory_id, c.chunk_index, c.content, c.char_start, c.char_end,
		       c.embedding, c.embedding_backend,
		       p.domain, p.path, m.priority, m.disclosure, m.created_at, m.last_accessed_at
		FROM memory_chunks c
		JOIN memories m ON m.id = c.memory_id
		JOIN paths p ON p.memory_id = m.id
		WHERE `+strings.Join(conditions, " AND ")+`
		GROUP BY c.id
		ORDER BY c.memory_id, c.chunk_index`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []storage.StoredChunk
	for rows.Next() {
		var sc storage.StoredChunk
		var embedding []byte
		var disclosure sql.NullString
		var createdAt string
		var lastAccessed sql.NullString
		if err := rows.Scan(&sc.ChunkID, &sc.MemoryID, &sc.ChunkIndex, &sc.Content,
			&sc.CharStart, &sc.CharEnd, &embedding, &sc.EmbeddingBackend,
			&sc.Domain, &sc.Path, &sc.Priority, &disclosure, &createdAt, &lastAccessed); err != nil {
			return nil, err
		}
		sc.Embedding = decodeEmbedding(embedding)
		if disclosure.Valid {
			sc.Disclosure = disclosure.String
		}
		if t, err := parseTime(createdAt); err == nil {
			sc.UpdatedAt = t
		}
		sc.AccessedAt = parseNullableTime(lastAccessed)
		sc.URI = memory.MakeURI(sc.Domain, sc.Path)
		chunks = append(chunks, sc)
	}
	return chunks, rows.Err()
}

// GetIndexStatus reports chunk and embedding coverage of the active set.
func (s *SQLiteStore) GetIndexStatus(ctx context.Context) (*storage.IndexStatus, error) {
	status := &storage.IndexStatus{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories m
		WHERE m.deprecated = 0
		  AND EXISTS (SELECT 1 FROM paths p WHERE p.memory_id = m.id)`).Scan(&status.ActiveMemories)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT memory_id), COUNT(*),
		       COALESCE(SUM(CASE WHEN embedding IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM memory_chunks`).Scan(&status.IndexedMemories, &status.ChunkCount, &status.EmbeddedChunks)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(embedding_backend, '') FROM memory_chunks
		WHERE embedding_backend != '' ORDER BY id DESC LIMIT 1`).Scan(&status.EmbeddingBackend)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	status.IndexAvailable = status.ChunkCount > 0
	return status, nil
}
