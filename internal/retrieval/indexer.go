package retrieval

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/enerr"
)

// ReindexMemory rebuilds the chunk rows for one memory. Deprecated, deleted,
// or path-less memories get their chunks cleared instead.
func (e *Engine) ReindexMemory(ctx context.Context, memoryID int64) error {
	mem, err := e.store.GetMemoryByID(ctx, memoryID)
	if errors.Is(err, enerr.ErrNotFound) {
		return e.store.ReplaceMemoryChunks(ctx, memoryID, nil)
	}
	if err != nil {
		return err
	}

	aliases, err := e.store.GetAliases(ctx, memoryID)
	if err != nil {
		return err
	}
	if mem.Deprecated || len(aliases) == 0 {
		return e.store.ReplaceMemoryChunks(ctx, memoryID, nil)
	}

	chunks := ChunkText(memoryID, mem.Content)
	if e.embedder != nil {
		texts := make([]string, len(chunks))
		for i, chunk := range chunks {
			texts[i] = chunk.Content
		}
		vectors, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			// Index stays usable for keyword search without vectors.
			e.logger.Warn("chunk embedding failed, indexing without vectors",
				zap.Int64("memory_id", memoryID), zap.Error(err))
		} else {
			for i := range chunks {
				chunks[i].Embedding = vectors[i]
				chunks[i].EmbeddingBackend = e.embedder.Name()
			}
		}
	}
	return e.store.ReplaceMemoryChunks(ctx, memoryID, chunks)
}

// RebuildIndex reindexes every active memory and returns the count.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	indexable, err := e.store.ListIndexableMemories(ctx)
	if err != nil {
		return 0, err
	}
	indexed := 0
	for _, item := range indexable {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		if err := e.ReindexMemory(ctx, item.MemoryID); err != nil {
			e.logger.Warn("reindex failed during rebuild",
				zap.Int64("memory_id", item.MemoryID), zap.Error(err))
			continue
		}
		indexed++
	}
	return indexed, nil
}
