package retrieval

import (
	"strings"
	"testing"
)

func TestChunkTextShortContent(t *testing.T) {
	chunks := ChunkText(1, "short note")
	if len(chunks) != 1 {
		t.Fatalf("Expected single chunk, got %d", len(chunks))
	}
	if chunks[0].Content != "short note" || chunks[0].CharStart != 0 || chunks[0].CharEnd != 10 {
		t.Errorf("Unexpected chunk %+v", chunks[0])
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if chunks := ChunkText(1, ""); chunks != nil {
		t.Errorf("Empty content must produce no chunks, got %v", chunks)
	}
}

func TestChunkTextOverlap(t *testing.T) {
	content := strings.Repeat("word ", 300) // 1500 chars
	chunks := ChunkText(7, content)
	if len(chunks) < 3 {
		t.Fatalf("Expected at least 3 chunks, got %d", len(chunks))
	}

	for i, chunk := range chunks {
		if chunk.MemoryID != 7 {
			t.Errorf("Chunk %d has wrong memory id %d", i, chunk.MemoryID)
		}
		if chunk.ChunkIndex != i {
			t.Errorf("Chunk %d has index %d", i, chunk.ChunkIndex)
		}
		if len([]rune(chunk.Content)) > chunkSize {
			t.Errorf("Chunk %d exceeds max size: %d", i, len(chunk.Content))
		}
		if i > 0 {
			// Consecutive chunks overlap by the configured span.
			if chunks[i].CharStart != chunks[i-1].CharEnd-chunkOverlap {
				t.Errorf("Chunk %d start %d does not overlap previous end %d",
					i, chunks[i].CharStart, chunks[i-1].CharEnd)
			}
		}
	}

	last := chunks[len(chunks)-1]
	if last.CharEnd != len([]rune(content)) {
		t.Errorf("Last chunk must reach content end, got %d", last.CharEnd)
	}
}
