// Package storage defines the interface for memory store backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/untoldecay/engram/internal/memory"
)

// ErrDBNotInitialized is returned when a store feature is used before the
// database has been initialized.
var ErrDBNotInitialized = errors.New("database not initialized")

// CreateMemoryParams are the inputs for CreateMemory.
type CreateMemoryParams struct {
	ParentPath string
	Title      string
	Content    string
	Priority   int
	Disclosure string
	Domain     string
}

// CreateMemoryResult reports the created memory and the ids the index
// worker should reindex.
type CreateMemoryResult struct {
	ID           int64   `json:"id"`
	URI          string  `json:"uri"`
	Path         string  `json:"path"`
	Domain       string  `json:"domain"`
	IndexTargets []int64 `json:"index_targets"`
}

// UpdateMemoryParams are the inputs for UpdateMemory. Nil pointers mean
// "leave unchanged".
type UpdateMemoryParams struct {
	Path       string
	Domain     string
	Content    *string
	Priority   *int
	Disclosure *string
}

// UpdateMemoryResult reports the outcome of an update. NewMemoryID differs
// from OldMemoryID only when changed content created a new version.
type UpdateMemoryResult struct {
	OldMemoryID  int64   `json:"old_memory_id"`
	NewMemoryID  int64   `json:"new_memory_id"`
	Versioned    bool    `json:"versioned"`
	IndexTargets []int64 `json:"index_targets"`
}

// RemovePathResult reports a path removal.
type RemovePathResult struct {
	Removed  bool  `json:"removed"`
	Orphaned bool  `json:"orphaned"`
	MemoryID int64 `json:"memory_id"`
}

// DeleteMemoryOptions control PermanentlyDeleteMemory.
type DeleteMemoryOptions struct {
	RequireOrphan     bool
	ExpectedStateHash string
}

// RecentMemory is a lightweight recency-ordered listing row.
type RecentMemory struct {
	MemoryID  int64     `json:"memory_id"`
	URI       string    `json:"uri"`
	Snippet   string    `json:"snippet"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// OrphanDetail includes the migration target's full content for diffing.
type OrphanDetail struct {
	Memory          memory.Memory  `json:"memory"`
	Category        string         `json:"category"`
	MigrationTarget *memory.Memory `json:"migration_target,omitempty"`
	TargetURI       string         `json:"target_uri,omitempty"`
}

// CleanupQuery scopes GetVitalityCleanupCandidates.
type CleanupQuery struct {
	Threshold    float64
	InactiveDays float64
	Limit        int
	Domain       string
	PathPrefix   string
	MemoryIDs    []int64
}

// CleanupQueryProfile records how the candidate query executed.
type CleanupQueryProfile struct {
	QueryMs    float64         `json:"query_ms"`
	IndexUsage map[string]bool `json:"index_usage"`
	FullScan   bool            `json:"full_scan"`
	Degraded   bool            `json:"degraded"`
}

// CleanupCandidates is the candidate query result.
type CleanupCandidates struct {
	Items   []memory.CleanupItem `json:"items"`
	Count   int                  `json:"count"`
	Profile CleanupQueryProfile  `json:"query_profile"`
}

// DecayResult reports a vitality decay pass.
type DecayResult struct {
	Applied  bool    `json:"applied"`
	Reason   string  `json:"reason"`
	Affected int64   `json:"affected"`
	DecayDay string  `json:"decay_day,omitempty"`
	Degraded bool    `json:"degraded"`
	MinScore float64 `json:"min_score"`
}

// GistStats summarizes stored gists.
type GistStats struct {
	TotalGists     int64            `json:"total_gists"`
	CoveredMems    int64            `json:"covered_memories"`
	MethodCounts   map[string]int64 `json:"method_breakdown"`
	AverageQuality float64          `json:"average_quality"`
}

// Chunk is one indexed slice of a memory's content. Embedding is empty when
// the vector backend is disabled.
type Chunk struct {
	MemoryID         int64     `json:"memory_id"`
	ChunkIndex       int       `json:"chunk_index"`
	Content          string    `json:"content"`
	CharStart        int       `json:"char_start"`
	CharEnd          int       `json:"char_end"`
	Embedding        []float32 `json:"-"`
	EmbeddingBackend string    `json:"embedding_backend"`
}

// StoredChunk is a chunk joined with its addressing metadata for scoring.
type StoredChunk struct {
	Chunk
	ChunkID    int64      `json:"chunk_id"`
	URI        string     `json:"uri"`
	Domain     string     `json:"domain"`
	Path       string     `json:"path"`
	Priority   int        `json:"priority"`
	Disclosure string     `json:"disclosure,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	AccessedAt *time.Time `json:"accessed_at,omitempty"`
}

// ChunkFilters scope ListChunks.
type ChunkFilters struct {
	Domain       string
	PathPrefix   string
	MaxPriority  *int
	UpdatedAfter *time.Time
	ExcludeID    int64
}

// IndexableMemory is an active memory the indexer should (re)chunk.
type IndexableMemory struct {
	MemoryID int64
	Content  string
}

// IndexStatus reports retrieval index availability.
type IndexStatus struct {
	IndexAvailable   bool   `json:"index_available"`
	ActiveMemories   int64  `json:"active_memories"`
	IndexedMemories  int64  `json:"indexed_memories"`
	ChunkCount       int64  `json:"chunk_count"`
	EmbeddedChunks   int64  `json:"embedded_chunks"`
	EmbeddingBackend string `json:"embedding_backend"`
}

// Store is the persistence contract for the memory model, vitality
// lifecycle, retrieval index, and runtime metadata. Every method is a
// single transaction against the underlying database.
type Store interface {
	// Memory model
	CreateMemory(ctx context.Context, params CreateMemoryParams) (*CreateMemoryResult, error)
	GetMemoryByPath(ctx context.Context, path, domain string) (*memory.Memory, error)
	GetMemoryByID(ctx context.Context, id int64) (*memory.Memory, error)
	GetChildren(ctx context.Context, memoryID *int64, domain string) ([]memory.ChildPreview, error)
	GetAliases(ctx context.Context, memoryID int64) ([]memory.Path, error)
	AddPath(ctx context.Context, newPath, newDomain, targetPath, targetDomain string) error
	RemovePath(ctx context.Context, path, domain string) (*RemovePathResult, error)
	UpdateMemory(ctx context.Context, params UpdateMemoryParams) (*UpdateMemoryResult, error)
	PermanentlyDeleteMemory(ctx context.Context, memoryID int64, opts DeleteMemoryOptions) error
	GetRecentMemories(ctx context.Context, limit int) ([]RecentMemory, error)
	GetAllOrphanMemories(ctx context.Context) ([]memory.Orphan, error)
	GetOrphanDetail(ctx context.Context, memoryID int64) (*OrphanDetail, error)

	// Tags
	ReplaceMemoryTags(ctx context.Context, memoryID int64, tags []memory.Tag) error
	ListTagsForMemories(ctx context.Context, memoryIDs []int64) (map[int64][]memory.Tag, error)

	// Gists
	UpsertMemoryGist(ctx context.Context, gist memory.Gist) error
	GetLatestMemoryGist(ctx context.Context, memoryID int64) (*memory.Gist, error)
	GetGistStats(ctx context.Context) (*GistStats, error)

	// Vitality lifecycle
	ReinforceMemoryAccess(ctx context.Context, memoryIDs []int64) error
	ApplyVitalityDecay(ctx context.Context, force bool, reason string) (*DecayResult, error)
	GetVitalityCleanupCandidates(ctx context.Context, query CleanupQuery) (*CleanupCandidates, error)

	// Retrieval index primitives
	ListIndexableMemories(ctx context.Context) ([]IndexableMemory, error)
	ReplaceMemoryChunks(ctx context.Context, memoryID int64, chunks []Chunk) error
	ListChunks(ctx context.Context, filters ChunkFilters) ([]StoredChunk, error)
	GetIndexStatus(ctx context.Context) (*IndexStatus, error)

	// Runtime metadata
	GetRuntimeMeta(ctx context.Context, key string) (string, error)
	SetRuntimeMeta(ctx context.Context, key, value string) error

	Close() error
	Path() string
}
