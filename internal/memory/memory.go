// Package memory defines the data model for the hierarchical memory store.
//
// A Memory is a versioned unit of content addressed through one or more
// Paths (aliases). Updating content creates a new Memory version; the old
// version stays behind as a deprecated orphan linked through MigratedTo.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/untoldecay/engram/internal/enerr"
)

// Memory is a versioned unit of content.
type Memory struct {
	ID             int64      `json:"id"`
	Content        string     `json:"content"`
	Priority       int        `json:"priority"`
	Disclosure     string     `json:"disclosure,omitempty"`
	Deprecated     bool       `json:"deprecated"`
	MigratedTo     *int64     `json:"migrated_to,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	VitalityScore  float64    `json:"vitality_score"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int64      `json:"access_count"`
}

// Path is a mutable addressable alias. (Domain, Path) is globally unique.
type Path struct {
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	MemoryID int64  `json:"memory_id"`
	Priority int    `json:"priority"`
}

// Gist is a short summary attached to a memory, unique per
// (memory_id, source_content_hash).
type Gist struct {
	MemoryID     int64     `json:"memory_id"`
	GistText     string    `json:"gist_text"`
	SourceHash   string    `json:"source_hash"`
	GistMethod   string    `json:"gist_method"`
	QualityScore float64   `json:"quality_score"`
	CreatedAt    time.Time `json:"created_at"`
}

// Gist methods, in fallback order.
const (
	GistMethodLLM         = "llm_gist"
	GistMethodExtractive  = "extractive_bullets"
	GistMethodSentence    = "sentence_fallback"
	GistMethodTruncate    = "truncate_fallback"
	GistMethodSleepRollup = "sleep_fragment_rollup"
)

// Tag is a keyword-boost annotation on a memory.
type Tag struct {
	MemoryID int64  `json:"memory_id"`
	TagType  string `json:"tag_type"`
	TagValue string `json:"tag_value"`
}

// ChildPreview is a browse-level view of a direct child path.
type ChildPreview struct {
	Domain         string   `json:"domain"`
	Path           string   `json:"path"`
	Priority       int      `json:"priority"`
	Disclosure     string   `json:"disclosure,omitempty"`
	ContentSnippet string   `json:"content_snippet"`
	GistText       string   `json:"gist_text,omitempty"`
	GistMethod     string   `json:"gist_method,omitempty"`
	GistQuality    *float64 `json:"gist_quality,omitempty"`
	GistSourceHash string   `json:"gist_source_hash,omitempty"`
}

// OrphanCategory distinguishes deprecated predecessors from path-less memories.
const (
	OrphanDeprecated = "deprecated"
	OrphanPathless   = "orphaned"
)

// Orphan is a review-eligible memory with no addressable path.
type Orphan struct {
	ID              int64     `json:"id"`
	Category        string    `json:"category"`
	ContentSnippet  string    `json:"content_snippet"`
	Deprecated      bool      `json:"deprecated"`
	MigratedTo      *int64    `json:"migrated_to,omitempty"`
	MigrationTarget string    `json:"migration_target,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CleanupItem is one vitality cleanup candidate.
type CleanupItem struct {
	MemoryID      int64    `json:"memory_id"`
	URI           string   `json:"uri"`
	VitalityScore float64  `json:"vitality_score"`
	InactiveDays  float64  `json:"inactive_days"`
	AccessCount   int64    `json:"access_count"`
	PathCount     int      `json:"path_count"`
	CanDelete     bool     `json:"can_delete"`
	StateHash     string   `json:"state_hash"`
	ReasonCodes   []string `json:"reason_codes"`
}

// ParseURI splits "domain://path/to/node" into its parts.
func ParseURI(uri string) (domain, path string, err error) {
	idx := strings.Index(uri, "://")
	if idx <= 0 {
		return "", "", fmt.Errorf("%w: uri must look like domain://path, got %q", enerr.ErrValidation, uri)
	}
	domain = strings.TrimSpace(uri[:idx])
	path = NormalizePath(uri[idx+3:])
	if domain == "" || path == "" {
		return "", "", fmt.Errorf("%w: uri must look like domain://path, got %q", enerr.ErrValidation, uri)
	}
	return domain, path, nil
}

// MakeURI joins a domain and path back into URI form.
func MakeURI(domain, path string) string {
	return domain + "://" + NormalizePath(path)
}

// NormalizePath trims whitespace and stray slashes.
func NormalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

// ParentPath returns the path one level up, or the path itself at a root.
func ParentPath(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[:idx]
	}
	return path
}

// LastSegment returns the final path segment.
func LastSegment(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// NormalizeContent collapses whitespace, lowercases, and trims. Used for
// duplicate detection so NOOP stays robust to formatting noise.
func NormalizeContent(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}

// ContentHash is the SHA-256 hex digest of the normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// StateHash computes the optimistic-locking digest for the cleanup flow.
// Vitality is rounded to two decimals and last-access is bucketed to the
// minute so that clock drift inside a bucket compares equal.
func StateHash(id int64, deprecated bool, migratedTo *int64, vitality float64, accessCount int64, lastAccessedAt *time.Time, paths []string) string {
	deprecatedBit := 0
	if deprecated {
		deprecatedBit = 1
	}
	migrated := ""
	if migratedTo != nil {
		migrated = fmt.Sprintf("%d", *migratedTo)
	}
	accessBucket := ""
	if lastAccessedAt != nil {
		accessBucket = lastAccessedAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	payload := fmt.Sprintf("%d|%d|%s|%.2f|%d|%s|%s",
		id, deprecatedBit, migrated, vitality, accessCount, accessBucket, strings.Join(sorted, ","))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Snippet returns the first limit characters of text with whitespace
// collapsed, for previews.
func Snippet(text string, limit int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if limit <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	return string(runes[:limit])
}
