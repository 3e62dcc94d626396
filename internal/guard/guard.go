// Package guard implements write admission: before content enters the
// store it is checked against near-duplicates and either admitted (ADD),
// redirected onto an existing memory (UPDATE), suppressed (NOOP), or left
// to an LLM arbiter when one is configured.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/llm"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/retrieval"
	"github.com/untoldecay/engram/internal/storage"
)

// Actions.
const (
	ActionAdd    = "ADD"
	ActionUpdate = "UPDATE"
	ActionNoop   = "NOOP"
	ActionDelete = "DELETE"
	ActionBypass = "BYPASS"
)

// Decision methods.
const (
	MethodEmbedding = "embedding"
	MethodKeyword   = "keyword"
	MethodLLM       = "llm"
	MethodFallback  = "fallback"
	MethodNone      = "none"
)

// Similarity thresholds for the deterministic rule.
const (
	vectorNoopThreshold    = 0.92
	vectorUpdateThreshold  = 0.78
	keywordNoopThreshold   = 0.82
	keywordUpdateThreshold = 0.55
)

const arbiterCandidateLimit = 5

// Decision is the guard verdict for one proposed write.
type Decision struct {
	Action         string   `json:"action"`
	Reason         string   `json:"reason"`
	Method         string   `json:"method"`
	TargetID       *int64   `json:"target_id,omitempty"`
	TargetURI      string   `json:"target_uri,omitempty"`
	Degraded       bool     `json:"degraded"`
	DegradeReasons []string `json:"degrade_reasons,omitempty"`
}

func (d *Decision) degrade(reason string) {
	d.Degraded = true
	d.DegradeReasons = append(d.DegradeReasons, reason)
}

// Guard evaluates proposed writes against the retrieval index.
type Guard struct {
	store    storage.Store
	engine   *retrieval.Engine
	provider llm.Provider
	logger   *zap.Logger
}

// New wires the guard; the LLM arbiter is optional and driven by the
// guard.llm-* configuration keys.
func New(store storage.Store, engine *retrieval.Engine, logger *zap.Logger) *Guard {
	g := &Guard{store: store, engine: engine, logger: logger}
	if config.GetBool("guard.llm-enabled") {
		g.provider = llm.NewProviderFromConfig(
			config.GetString("guard.llm-api-base"),
			config.GetString("guard.llm-model"))
	}
	return g
}

type candidate struct {
	memoryID      int64
	uri           string
	snippet       string
	semanticScore float64
	keywordScore  float64
}

// Evaluate runs both retrieval sub-calls, then the arbiter or the
// deterministic rule. Sub-call failures degrade, they never abort.
func (g *Guard) Evaluate(ctx context.Context, content, domain, pathPrefix string, excludeMemoryID int64) *Decision {
	decision := &Decision{}

	if strings.TrimSpace(content) == "" {
		decision.Action = ActionNoop
		decision.Method = MethodNone
		decision.Reason = "empty content"
		return decision
	}

	filters := storage.ChunkFilters{Domain: domain, PathPrefix: pathPrefix, ExcludeID: excludeMemoryID}

	pool := make(map[int64]*candidate)
	semanticOK := g.subSearch(ctx, retrieval.ModeSemantic, content, filters, decision, pool)
	keywordOK := g.subSearch(ctx, retrieval.ModeKeyword, content, filters, decision, pool)

	if !semanticOK && !keywordOK {
		decision.Action = ActionAdd
		decision.Method = MethodFallback
		decision.Reason = "both retrieval sub-calls failed"
		decision.Degraded = true
		return decision
	}

	candidates := rankCandidates(pool)

	if g.provider != nil {
		if done := g.arbitrate(ctx, content, candidates, decision); done {
			return decision
		}
	}

	g.deterministic(ctx, content, candidates, decision)
	return decision
}

// subSearch runs one guard retrieval call and folds its hits into the pool.
// Returns false when the sub-call could not produce usable results.
func (g *Guard) subSearch(ctx context.Context, mode, content string, filters storage.ChunkFilters,
	decision *Decision, pool map[int64]*candidate) (ok bool) {

	defer func() {
		if r := recover(); r != nil {
			decision.degrade(fmt.Sprintf("write_guard_%s_failed:%v", mode, r))
			ok = false
		}
	}()

	resp := g.engine.Search(ctx, retrieval.Request{
		Query:         content,
		Mode:          mode,
		MaxResults:    arbiterCandidateLimit * 2,
		Filters:       filters,
		SkipReinforce: true,
	})

	for _, reason := range resp.DegradeReasons {
		if reason == retrieval.DegradeChunkListingFailed {
			decision.degrade(fmt.Sprintf("write_guard_%s_failed:%s", mode, reason))
			return false
		}
	}
	if mode == retrieval.ModeSemantic {
		for _, reason := range resp.DegradeReasons {
			if reason == retrieval.DegradeVectorDisabled || reason == retrieval.DegradeEmbeddingFailed {
				decision.degrade("write_guard_semantic_failed:" + reason)
				return false
			}
		}
	}

	for _, result := range resp.Results {
		entry, exists := pool[result.MemoryID]
		if !exists {
			entry = &candidate{memoryID: result.MemoryID, uri: result.URI, snippet: result.Snippet}
			pool[result.MemoryID] = entry
		}
		if result.SemanticScore > entry.semanticScore {
			entry.semanticScore = result.SemanticScore
		}
		if result.KeywordScore > entry.keywordScore {
			entry.keywordScore = result.KeywordScore
		}
	}
	return true
}

func rankCandidates(pool map[int64]*candidate) []*candidate {
	ranked := make([]*candidate, 0, len(pool))
	for _, entry := range pool {
		ranked = append(ranked, entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if strength(ranked[i]) != strength(ranked[j]) {
			return strength(ranked[i]) > strength(ranked[j])
		}
		return ranked[i].memoryID < ranked[j].memoryID
	})
	if len(ranked) > arbiterCandidateLimit {
		ranked = ranked[:arbiterCandidateLimit]
	}
	return ranked
}

func strength(c *candidate) float64 {
	if c.semanticScore > c.keywordScore {
		return c.semanticScore
	}
	return c.keywordScore
}

type arbiterVerdict struct {
	Action   string `json:"action"`
	TargetID *int64 `json:"target_id"`
	Reason   string `json:"reason"`
	Method   string `json:"method"`
}

// arbitrate asks the LLM for a verdict. Returns true when the decision is
// final; false falls through to the deterministic rule.
func (g *Guard) arbitrate(ctx context.Context, content string, candidates []*candidate, decision *Decision) bool {
	prompt := buildArbiterPrompt(content, candidates)
	raw, err := g.provider.Complete(ctx, llm.Request{
		System:    "You are a memory write arbiter. Answer with a single JSON object {\"action\",\"target_id\",\"reason\",\"method\"}. action is one of ADD, UPDATE, NOOP, DELETE.",
		Prompt:    prompt,
		JSONOnly:  true,
		MaxTokens: 300,
	})
	if err != nil {
		decision.degrade("write_guard_llm_failed:" + causeLabel(err))
		return false
	}

	var verdict arbiterVerdict
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &verdict); err != nil {
		decision.degrade("write_guard_llm_action_invalid")
		return false
	}
	switch verdict.Action {
	case ActionAdd, ActionUpdate, ActionNoop, ActionDelete:
	default:
		decision.degrade("write_guard_llm_action_invalid")
		return false
	}

	decision.Action = verdict.Action
	decision.Method = MethodLLM
	decision.Reason = verdict.Reason
	decision.TargetID = verdict.TargetID
	if verdict.TargetID != nil {
		for _, entry := range candidates {
			if entry.memoryID == *verdict.TargetID {
				decision.TargetURI = entry.uri
				break
			}
		}
	}
	return true
}

func buildArbiterPrompt(content string, candidates []*candidate) string {
	var builder strings.Builder
	builder.WriteString("Proposed content:\n")
	builder.WriteString(content)
	builder.WriteString("\n\nExisting candidates:\n")
	if len(candidates) == 0 {
		builder.WriteString("(none)\n")
	}
	for _, entry := range candidates {
		fmt.Fprintf(&builder, "- id=%d uri=%s semantic=%.2f keyword=%.2f text=%q\n",
			entry.memoryID, entry.uri, entry.semanticScore, entry.keywordScore, entry.snippet)
	}
	builder.WriteString("\nDecide: NOOP if the content is already stored, UPDATE (with target_id) if it supersedes a candidate, DELETE (with target_id) if it invalidates one, otherwise ADD.")
	return builder.String()
}

// extractJSONObject tolerates prose or code fences around the object.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

func causeLabel(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// deterministic applies the threshold rule against the top candidate.
func (g *Guard) deterministic(ctx context.Context, content string, candidates []*candidate, decision *Decision) {
	if len(candidates) == 0 {
		decision.Action = ActionAdd
		decision.Method = MethodNone
		decision.Reason = "no similar memories"
		return
	}

	top := candidates[0]
	method := MethodKeyword
	if top.semanticScore >= top.keywordScore {
		method = MethodEmbedding
	}

	if top.semanticScore >= vectorNoopThreshold || top.keywordScore >= keywordNoopThreshold {
		if g.sameNormalizedContent(ctx, content, top.memoryID) {
			decision.Action = ActionNoop
			decision.Method = method
			decision.Reason = fmt.Sprintf("duplicate of %s", top.uri)
			decision.TargetID = &top.memoryID
			decision.TargetURI = top.uri
			return
		}
		decision.Action = ActionUpdate
		decision.Method = method
		decision.Reason = fmt.Sprintf("near-duplicate of %s", top.uri)
		decision.TargetID = &top.memoryID
		decision.TargetURI = top.uri
		return
	}

	if top.semanticScore >= vectorUpdateThreshold || top.keywordScore >= keywordUpdateThreshold {
		decision.Action = ActionUpdate
		decision.Method = method
		decision.Reason = fmt.Sprintf("similar to %s", top.uri)
		decision.TargetID = &top.memoryID
		decision.TargetURI = top.uri
		return
	}

	decision.Action = ActionAdd
	decision.Method = MethodNone
	decision.Reason = "no candidate above similarity thresholds"
}

func (g *Guard) sameNormalizedContent(ctx context.Context, content string, memoryID int64) bool {
	existing, err := g.store.GetMemoryByID(ctx, memoryID)
	if err != nil {
		return false
	}
	return memory.NormalizeContent(content) == memory.NormalizeContent(existing.Content)
}

// BlocksCreate reports whether a create operation must be refused.
func BlocksCreate(action string) bool {
	return action == ActionNoop || action == ActionUpdate || action == ActionDelete
}

// BlocksUpdate reports whether an update on currentMemoryID must be
// refused: NOOP and DELETE always block, UPDATE blocks when it targets a
// different memory than the one behind the path.
func BlocksUpdate(action string, targetID *int64, currentMemoryID int64) bool {
	switch action {
	case ActionNoop, ActionDelete:
		return true
	case ActionUpdate:
		return targetID != nil && *targetID != currentMemoryID
	}
	return false
}
