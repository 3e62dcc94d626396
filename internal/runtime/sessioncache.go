package runtime

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/retrieval"
)

// SessionHit is one remembered retrieval result for a session.
type SessionHit struct {
	URI       string    `json:"uri"`
	MemoryID  int64     `json:"memory_id"`
	Snippet   string    `json:"snippet"`
	Priority  int       `json:"priority"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SessionHitScore is a scored cache hit.
type SessionHitScore struct {
	SessionHit
	Score float64 `json:"score"`
}

// Blend weights for cache scoring.
const (
	cacheTextWeight     = 0.70
	cacheRecencyWeight  = 0.20
	cachePriorityWeight = 0.10
)

// SessionCache keeps a bounded per-session ring of recently returned hits
// so follow-up queries can be answered from session context before the
// global index.
type SessionCache struct {
	mu       sync.Mutex
	sessions map[string][]SessionHit
	maxHits  int
	halfLife time.Duration
}

// NewSessionCache reads its bounds from configuration.
func NewSessionCache() *SessionCache {
	return &SessionCache{
		sessions: make(map[string][]SessionHit),
		maxHits:  config.GetIntMin("runtime.session-cache-max-hits", 1),
		halfLife: time.Duration(config.GetIntMin("runtime.session-cache-half-life-seconds", 1)) * time.Second,
	}
}

// Record appends hits to the session ring, evicting the oldest entries and
// collapsing repeats of the same URI onto the newest occurrence.
func (c *SessionCache) Record(sessionID string, hits []SessionHit) {
	if len(hits) == 0 {
		return
	}
	session := normalizeSession(sessionID)
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	ring := c.sessions[session]
	for _, hit := range hits {
		if hit.URI == "" {
			continue
		}
		if hit.RecordedAt.IsZero() {
			hit.RecordedAt = now
		}
		for i := range ring {
			if ring[i].URI == hit.URI {
				ring = append(ring[:i], ring[i+1:]...)
				break
			}
		}
		ring = append(ring, hit)
	}
	if len(ring) > c.maxHits {
		ring = ring[len(ring)-c.maxHits:]
	}
	c.sessions[session] = ring
}

// Search scores the session ring against the query and returns the best
// hits above zero, strongest first.
func (c *SessionCache) Search(sessionID, query string, limit int) []SessionHitScore {
	tokens := retrieval.Tokenize(query)
	if len(tokens) == 0 || limit <= 0 {
		return nil
	}
	session := normalizeSession(sessionID)
	now := time.Now().UTC()

	c.mu.Lock()
	ring := make([]SessionHit, len(c.sessions[session]))
	copy(ring, c.sessions[session])
	c.mu.Unlock()

	scored := make([]SessionHitScore, 0, len(ring))
	for _, hit := range ring {
		text := tokenOverlap(tokens, hit.Snippet)
		if text <= 0 {
			continue
		}
		age := now.Sub(hit.RecordedAt)
		recency := math.Exp2(-age.Seconds() / c.halfLife.Seconds())
		priority := float64(6-hit.Priority) / 5.0
		if priority < 0 {
			priority = 0
		} else if priority > 1 {
			priority = 1
		}
		scored = append(scored, SessionHitScore{
			SessionHit: hit,
			Score: cacheTextWeight*text +
				cacheRecencyWeight*recency +
				cachePriorityWeight*priority,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].RecordedAt.After(scored[j].RecordedAt)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// Size reports the current ring length for one session.
func (c *SessionCache) Size(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[normalizeSession(sessionID)])
}

// Clear drops one session's ring.
func (c *SessionCache) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, normalizeSession(sessionID))
}

func tokenOverlap(queryTokens []string, text string) float64 {
	textTokens := retrieval.Tokenize(strings.ToLower(text))
	if len(textTokens) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(textTokens))
	for _, token := range textTokens {
		seen[token] = true
	}
	matched := 0
	for _, token := range queryTokens {
		if seen[token] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
