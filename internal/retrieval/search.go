package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/storage"
)

// Search modes.
const (
	ModeKeyword  = "keyword"
	ModeSemantic = "semantic"
	ModeHybrid   = "hybrid"
)

// Degrade reason literals. These are an observability contract; never
// reword them.
const (
	DegradeEmptyQuery            = "empty_query"
	DegradeEmbeddingFallbackHash = "embedding_fallback_hash"
	DegradeEmbeddingFailed       = "embedding_request_failed"
	DegradeRerankerFailed        = "reranker_request_failed"
	DegradeIntentUnavailable     = "intent_classification_unavailable"
	DegradeIntentNotSupported    = "intent_profile_not_supported"
	DegradePreprocessFailed      = "query_preprocess_failed"
	DegradeVectorDisabled        = "vector_backend_disabled"
	DegradeChunkListingFailed    = "chunk_listing_failed"
)

// Request is one search_advanced invocation. An empty IntentProfile is the
// legacy calling convention: intent is still classified for observability
// but no strategy template is applied.
type Request struct {
	Query               string
	Mode                string
	MaxResults          int
	CandidateMultiplier int
	Filters             storage.ChunkFilters
	IntentProfile       string
	SkipReinforce       bool
}

// Result is one scored hit, deduped by URI.
type Result struct {
	MemoryID      int64   `json:"memory_id"`
	URI           string  `json:"uri"`
	Domain        string  `json:"domain"`
	Path          string  `json:"path"`
	Snippet       string  `json:"snippet"`
	Priority      int     `json:"priority"`
	Score         float64 `json:"score"`
	KeywordScore  float64 `json:"keyword_score"`
	SemanticScore float64 `json:"semantic_score"`
}

// Metadata describes which strategy actually ran.
type Metadata struct {
	Intent                     string `json:"intent"`
	IntentApplied              bool   `json:"intent_applied"`
	StrategyTemplate           string `json:"strategy_template"`
	StrategyTemplateApplied    bool   `json:"strategy_template_applied"`
	CandidateMultiplierApplied int    `json:"candidate_multiplier_applied"`
	BackendMethod              string `json:"backend_method"`
}

// Response is the pipeline output. Stages degrade, they never fail.
type Response struct {
	Query          string   `json:"query"`
	QueryEffective string   `json:"query_effective"`
	ModeRequested  string   `json:"mode_requested"`
	ModeApplied    string   `json:"mode_applied"`
	Results        []Result `json:"results"`
	Degraded       bool     `json:"degraded"`
	DegradeReasons []string `json:"degrade_reasons"`
	Metadata       Metadata `json:"metadata"`
}

// Engine runs the tiered retrieval pipeline over the chunk index.
type Engine struct {
	store    storage.Store
	embedder Embedder
	reranker Reranker
	logger   *zap.Logger

	// configuration fallback recorded at construction
	setupDegrade string
}

// NewEngine wires the engine from configuration.
func NewEngine(store storage.Store, logger *zap.Logger) *Engine {
	embedder, degrade := NewEmbedderFromConfig()
	return &Engine{
		store:        store,
		embedder:     embedder,
		reranker:     NewRerankerFromConfig(),
		logger:       logger,
		setupDegrade: degrade,
	}
}

// Embedder exposes the active embedding backend for the index worker.
func (e *Engine) Embedder() Embedder { return e.embedder }

// scoreWeights blend the per-chunk score components.
type scoreWeights struct {
	Semantic float64
	Keyword  float64
	Priority float64
	Recency  float64
	Tag      float64
}

var templateWeights = map[string]scoreWeights{
	TemplateDefault:     {Semantic: 0.45, Keyword: 0.35, Priority: 0.10, Recency: 0.07, Tag: 0.03},
	TemplateFactual:     {Semantic: 0.22, Keyword: 0.58, Priority: 0.12, Recency: 0.06, Tag: 0.02},
	TemplateExploratory: {Semantic: 0.58, Keyword: 0.24, Priority: 0.08, Recency: 0.07, Tag: 0.03},
	TemplateTemporal:    {Semantic: 0.28, Keyword: 0.22, Priority: 0.08, Recency: 0.38, Tag: 0.04},
	TemplateCausal:      {Semantic: 0.52, Keyword: 0.28, Priority: 0.08, Recency: 0.08, Tag: 0.04},
}

var modeWeights = map[string]scoreWeights{
	ModeKeyword:  {Keyword: 0.80, Priority: 0.12, Recency: 0.06, Tag: 0.02},
	ModeSemantic: {Semantic: 0.82, Priority: 0.10, Recency: 0.06, Tag: 0.02},
}

// Search runs the full pipeline: preprocess, classify, generate candidates,
// optionally rerank, merge, clip, reinforce.
func (e *Engine) Search(ctx context.Context, req Request) *Response {
	resp := &Response{
		Query:         req.Query,
		ModeRequested: req.Mode,
		Metadata:      Metadata{Intent: IntentUnknown, StrategyTemplate: TemplateDefault},
	}
	if e.setupDegrade != "" {
		resp.degrade(e.setupDegrade)
	}

	if strings.TrimSpace(req.Query) == "" {
		resp.degrade(DegradeEmptyQuery)
		resp.QueryEffective = ""
		resp.ModeApplied = resp.ModeRequested
		return resp
	}

	pre := e.preprocess(req.Query, resp)
	resp.QueryEffective = pre.Rewritten

	intent, template := ClassifyIntent(pre.Rewritten)
	resp.Metadata.Intent = intent
	resp.Metadata.StrategyTemplate = template

	mode := req.Mode
	switch mode {
	case ModeKeyword, ModeSemantic, ModeHybrid:
	default:
		mode = config.GetString("retrieval.default-mode")
		if mode == "" {
			mode = ModeHybrid
		}
	}

	maxResults := clamp(req.MaxResults, config.GetIntMin("retrieval.max-results", 1),
		config.GetIntMin("retrieval.hard-max-results", 1))
	multiplier := clamp(req.CandidateMultiplier, config.GetIntMin("retrieval.candidate-multiplier", 1),
		config.GetIntMin("retrieval.hard-max-candidate-multiplier", 1))

	applyStrategy := false
	switch req.IntentProfile {
	case "":
		// legacy call, classification is observability-only
	case "auto":
		applyStrategy = true
	case IntentFactual, IntentExploratory, IntentTemporal, IntentCausal:
		applyStrategy = true
		intent = req.IntentProfile
		template = templateForIntent(intent)
		resp.Metadata.Intent = intent
		resp.Metadata.StrategyTemplate = template
	default:
		resp.degrade(DegradeIntentNotSupported)
	}
	if applyStrategy {
		multiplier = ApplyIntentMultiplier(intent, multiplier)
		resp.Metadata.IntentApplied = true
		resp.Metadata.StrategyTemplateApplied = true
	}
	resp.Metadata.CandidateMultiplierApplied = multiplier

	// Semantic scoring needs a vector backend.
	if mode != ModeKeyword && e.embedder == nil {
		resp.degrade(DegradeVectorDisabled)
		mode = ModeKeyword
	}
	resp.ModeApplied = mode

	chunks, err := e.store.ListChunks(ctx, req.Filters)
	if err != nil {
		e.logger.Warn("chunk listing failed", zap.Error(err))
		resp.degrade(DegradeChunkListingFailed)
		return resp
	}
	if len(chunks) == 0 {
		return resp
	}

	var queryVector []float32
	if mode != ModeKeyword {
		vectors, err := e.embedder.Embed(ctx, []string{pre.Rewritten})
		if err != nil || len(vectors) != 1 {
			resp.degrade(DegradeEmbeddingFailed)
			if e.embedder.Name() != "hash" {
				fallback := NewHashEmbedder(e.embedder.Dim())
				resp.degrade(DegradeEmbeddingFallbackHash)
				if vectors, err = fallback.Embed(ctx, []string{pre.Rewritten}); err == nil && len(vectors) == 1 {
					queryVector = vectors[0]
				}
			}
		} else {
			queryVector = vectors[0]
		}
	}

	weights := e.weightsFor(mode, template, applyStrategy)
	resp.Metadata.BackendMethod = ModeKeyword
	if mode != ModeKeyword && queryVector != nil {
		resp.Metadata.BackendMethod = e.embedder.Name()
	}

	memoryIDs := make([]int64, 0, len(chunks))
	seenIDs := make(map[int64]bool)
	for _, chunk := range chunks {
		if !seenIDs[chunk.MemoryID] {
			seenIDs[chunk.MemoryID] = true
			memoryIDs = append(memoryIDs, chunk.MemoryID)
		}
	}
	tags, err := e.store.ListTagsForMemories(ctx, memoryIDs)
	if err != nil {
		tags = nil
	}

	candidates := e.scoreChunks(ctx, chunks, pre.Tokens, queryVector, tags, weights)
	pool := maxResults * multiplier
	if len(candidates) > pool {
		candidates = candidates[:pool]
	}

	if e.reranker != nil && len(candidates) > 1 {
		candidates = e.rerank(ctx, pre.Rewritten, candidates, resp)
	}
	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}
	resp.Results = candidates

	if !req.SkipReinforce {
		ids := make([]int64, 0, len(candidates))
		for _, result := range candidates {
			ids = append(ids, result.MemoryID)
		}
		if err := e.store.ReinforceMemoryAccess(ctx, ids); err != nil {
			e.logger.Debug("reinforcement failed", zap.Error(err))
		}
	}
	return resp
}

func (e *Engine) preprocess(query string, resp *Response) (result PreprocessResult) {
	defer func() {
		if recover() != nil {
			resp.degrade(DegradePreprocessFailed)
			result = PreprocessResult{
				Original: query, Normalized: query, Rewritten: query,
				Tokens: strings.Fields(query),
			}
		}
	}()
	return PreprocessQuery(query)
}

func (e *Engine) weightsFor(mode, template string, applyStrategy bool) scoreWeights {
	if mode != ModeHybrid {
		return modeWeights[mode]
	}
	if applyStrategy {
		if w, ok := templateWeights[template]; ok {
			return w
		}
	}
	return templateWeights[TemplateDefault]
}

// scoreChunks blends keyword overlap, vector similarity, priority, recency,
// and tag boosts, keeping the best chunk per URI.
func (e *Engine) scoreChunks(ctx context.Context, chunks []storage.StoredChunk, tokens []string,
	queryVector []float32, tags map[int64][]memory.Tag, weights scoreWeights) []Result {

	now := time.Now().UTC()
	best := make(map[string]Result, len(chunks))

	for _, chunk := range chunks {
		keyword := keywordOverlap(tokens, chunk.Content)

		semantic := 0.0
		if queryVector != nil && weights.Semantic > 0 {
			vector := chunk.Embedding
			if vector == nil && e.embedder != nil && e.embedder.Name() == "hash" {
				if embedded, err := e.embedder.Embed(ctx, []string{chunk.Content}); err == nil && len(embedded) == 1 {
					vector = embedded[0]
				}
			}
			semantic = CosineSimilarity(queryVector, vector)
			if semantic < 0 {
				semantic = 0
			}
		}

		priority := float64(6-chunk.Priority) / 5.0
		if priority < 0 {
			priority = 0
		} else if priority > 1 {
			priority = 1
		}

		ageDays := now.Sub(chunk.UpdatedAt).Hours() / 24.0
		if chunk.AccessedAt != nil && chunk.AccessedAt.After(chunk.UpdatedAt) {
			ageDays = now.Sub(*chunk.AccessedAt).Hours() / 24.0
		}
		if ageDays < 0 {
			ageDays = 0
		}
		recency := math.Exp(-ageDays / 30.0)

		tagScore := 0.0
		for _, tag := range tags[chunk.MemoryID] {
			if tokenMatches(tokens, tag.TagValue) {
				tagScore = 1.0
				break
			}
		}

		score := weights.Keyword*keyword + weights.Semantic*semantic +
			weights.Priority*priority + weights.Recency*recency + weights.Tag*tagScore

		result := Result{
			MemoryID:      chunk.MemoryID,
			URI:           chunk.URI,
			Domain:        chunk.Domain,
			Path:          chunk.Path,
			Snippet:       memory.Snippet(chunk.Content, 200),
			Priority:      chunk.Priority,
			Score:         score,
			KeywordScore:  keyword,
			SemanticScore: semantic,
		}
		if previous, ok := best[chunk.URI]; !ok || result.Score > previous.Score {
			best[chunk.URI] = result
		}
	}

	results := make([]Result, 0, len(best))
	for _, result := range best {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].URI < results[j].URI
	})
	return results
}

func (e *Engine) rerank(ctx context.Context, query string, candidates []Result, resp *Response) []Result {
	documents := make([]string, len(candidates))
	for i, candidate := range candidates {
		documents[i] = candidate.Snippet
	}
	order, err := e.reranker.Rerank(ctx, query, documents)
	if err != nil {
		resp.degrade(DegradeRerankerFailed)
		return candidates
	}
	reordered := make([]Result, 0, len(candidates))
	for _, index := range order {
		if index >= 0 && index < len(candidates) {
			reordered = append(reordered, candidates[index])
		}
	}
	if len(reordered) != len(candidates) {
		return candidates
	}
	return reordered
}

func keywordOverlap(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	contentTokens := make(map[string]bool)
	for _, token := range Tokenize(content) {
		contentTokens[token] = true
	}
	matched := 0
	for _, token := range queryTokens {
		if contentTokens[strings.ToLower(token)] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

func tokenMatches(queryTokens []string, value string) bool {
	value = strings.ToLower(value)
	for _, token := range queryTokens {
		if strings.ToLower(token) == value {
			return true
		}
	}
	return false
}

func clamp(value, fallback, ceiling int) int {
	if value <= 0 {
		value = fallback
	}
	if value > ceiling {
		return ceiling
	}
	return value
}

func (r *Response) degrade(reason string) {
	r.Degraded = true
	for _, existing := range r.DegradeReasons {
		if existing == reason {
			return
		}
	}
	r.DegradeReasons = append(r.DegradeReasons, reason)
}
