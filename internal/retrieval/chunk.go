package retrieval

import "github.com/untoldecay/engram/internal/storage"

const (
	chunkSize    = 500
	chunkOverlap = 80
)

// ChunkText slices content into fixed-size overlapping windows, preferring
// to break at whitespace near the window edge. Offsets are rune-based.
func ChunkText(memoryID int64, content string) []storage.Chunk {
	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= chunkSize {
		return []storage.Chunk{{
			MemoryID:   memoryID,
			ChunkIndex: 0,
			Content:    content,
			CharStart:  0,
			CharEnd:    len(runes),
		}}
	}

	var chunks []storage.Chunk
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			// Walk back to the nearest whitespace so words stay whole, but
			// never give up more than the overlap span.
			cut := end
			for cut > start+chunkSize-chunkOverlap && runes[cut-1] != ' ' && runes[cut-1] != '\n' {
				cut--
			}
			if cut > start {
				end = cut
			}
		}

		chunks = append(chunks, storage.Chunk{
			MemoryID:   memoryID,
			ChunkIndex: len(chunks),
			Content:    string(runes[start:end]),
			CharStart:  start,
			CharEnd:    end,
		})
		if end == len(runes) {
			break
		}
		start = end - chunkOverlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}
