// Package app wires the store, retrieval engine, write guard, gist
// generator, runtime coordinators, and observability recorder into the
// operations the HTTP and MCP boundaries expose.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/compact"
	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/guard"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/observe"
	"github.com/untoldecay/engram/internal/retrieval"
	"github.com/untoldecay/engram/internal/runtime"
	"github.com/untoldecay/engram/internal/storage"
	"github.com/untoldecay/engram/internal/storage/sqlite"
)

// App is the assembled memory service.
type App struct {
	Store    storage.Store
	Engine   *retrieval.Engine
	Guard    *guard.Guard
	Gists    *compact.Generator
	Runtime  *runtime.Runtime
	Recorder *observe.Recorder
	Logger   *zap.Logger

	deferIndex bool
}

// New opens the store at the configured database URL and wires every
// component. Background work starts only when Start is called.
func New(ctx context.Context, logger *zap.Logger) (*App, error) {
	store, err := sqlite.New(ctx, config.GetString("database.url"))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return NewWithStore(ctx, store, logger), nil
}

// NewWithStore wires the components over an existing store.
func NewWithStore(ctx context.Context, store storage.Store, logger *zap.Logger) *App {
	engine := retrieval.NewEngine(store, logger)
	return &App{
		Store:      store,
		Engine:     engine,
		Guard:      guard.New(store, engine, logger),
		Gists:      compact.NewGenerator(logger),
		Runtime:    runtime.New(store, engine, logger),
		Recorder:   observe.NewRecorder(ctx, store, logger),
		Logger:     logger,
		deferIndex: config.GetBool("runtime.defer-index-on-write"),
	}
}

// Start launches background work.
func (a *App) Start(ctx context.Context) { a.Runtime.Start(ctx) }

// Close stops background work and releases the store.
func (a *App) Close() error {
	a.Runtime.Shutdown()
	return a.Store.Close()
}

// SearchOptions are the inputs for one observed search.
type SearchOptions struct {
	Query               string
	Mode                string
	MaxResults          int
	CandidateMultiplier int
	IntentProfile       string
	Filters             storage.ChunkFilters
	IncludeSession      bool
	SessionID           string
}

// SearchCounts is the session/global/returned triple of the response
// contract.
type SearchCounts struct {
	Session  int `json:"session"`
	Global   int `json:"global"`
	Returned int `json:"returned"`
}

// SearchOutcome bundles the engine response with session-cache hits and
// the count triple.
type SearchOutcome struct {
	Response    *retrieval.Response
	SessionHits []runtime.SessionHitScore
	Counts      SearchCounts
}

// Search runs the retrieval pipeline, consults the session cache, records
// the observability event, and feeds returned hits back into the cache.
func (a *App) Search(ctx context.Context, opts SearchOptions) *SearchOutcome {
	started := time.Now()

	response := a.Engine.Search(ctx, retrieval.Request{
		Query:               opts.Query,
		Mode:                opts.Mode,
		MaxResults:          opts.MaxResults,
		CandidateMultiplier: opts.CandidateMultiplier,
		IntentProfile:       opts.IntentProfile,
		Filters:             opts.Filters,
	})

	outcome := &SearchOutcome{Response: response}
	if opts.IncludeSession {
		limit := opts.MaxResults
		if limit <= 0 {
			limit = len(response.Results)
		}
		outcome.SessionHits = a.Runtime.Cache.Search(opts.SessionID, opts.Query, limit)
	}
	outcome.Counts = SearchCounts{
		Session:  len(outcome.SessionHits),
		Global:   len(response.Results),
		Returned: len(outcome.SessionHits) + len(response.Results),
	}

	hits := make([]runtime.SessionHit, 0, len(response.Results))
	for _, result := range response.Results {
		hits = append(hits, runtime.SessionHit{
			URI:      result.URI,
			MemoryID: result.MemoryID,
			Snippet:  result.Snippet,
			Priority: result.Priority,
		})
	}
	a.Runtime.Cache.Record(opts.SessionID, hits)

	a.Recorder.RecordSearch(ctx, observe.SearchEvent{
		ModeRequested:           response.ModeRequested,
		ModeApplied:             response.ModeApplied,
		LatencyMs:               float64(time.Since(started).Microseconds()) / 1000.0,
		Degraded:                response.Degraded,
		DegradeReasons:          response.DegradeReasons,
		SessionCount:            outcome.Counts.Session,
		GlobalCount:             outcome.Counts.Global,
		ReturnedCount:           outcome.Counts.Returned,
		Intent:                  response.Metadata.Intent,
		IntentApplied:           response.Metadata.IntentApplied,
		StrategyTemplate:        response.Metadata.StrategyTemplate,
		StrategyTemplateApplied: response.Metadata.StrategyTemplateApplied,
	})
	return outcome
}

// CreateNodeParams are the inputs for a guarded create.
type CreateNodeParams struct {
	SessionID  string
	ParentPath string
	Title      string
	Content    string
	Priority   int
	Disclosure string
	Domain     string
	Bypass     bool
}

// CreateNodeResult reports a guarded create.
type CreateNodeResult struct {
	Created bool                        `json:"created"`
	Memory  *storage.CreateMemoryResult `json:"memory,omitempty"`
	Guard   *guard.Decision             `json:"guard"`
	Message string                      `json:"message,omitempty"`
}

// CreateNode runs the guard and, when admitted, creates the memory inside
// the session write lane, generates its gist, and schedules indexing.
func (a *App) CreateNode(ctx context.Context, params CreateNodeParams) (*CreateNodeResult, error) {
	result := &CreateNodeResult{}

	err := a.Runtime.Lanes.RunWrite(ctx, params.SessionID, "create_memory", func(ctx context.Context) error {
		if params.Bypass {
			result.Guard = &guard.Decision{Action: guard.ActionBypass, Method: guard.MethodNone, Reason: "bypass requested"}
		} else {
			result.Guard = a.Guard.Evaluate(ctx, params.Content, params.Domain, params.ParentPath, 0)
		}

		blocked := guard.BlocksCreate(result.Guard.Action)
		a.recordGuardEvent("create_memory", result.Guard, blocked)
		if blocked {
			result.Message = fmt.Sprintf("write blocked: %s (%s)", result.Guard.Action, result.Guard.Reason)
			return nil
		}

		created, err := a.Store.CreateMemory(ctx, storage.CreateMemoryParams{
			ParentPath: params.ParentPath,
			Title:      params.Title,
			Content:    params.Content,
			Priority:   params.Priority,
			Disclosure: params.Disclosure,
			Domain:     params.Domain,
		})
		if err != nil {
			return err
		}
		result.Created = true
		result.Memory = created

		a.attachGist(ctx, created.ID, params.Content)
		a.scheduleIndexing(ctx, created.IndexTargets, "create_memory")
		a.trackActivity(ctx, params.SessionID, "create_memory", params.Content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateNodeParams are the inputs for a guarded update.
type UpdateNodeParams struct {
	SessionID  string
	Path       string
	Domain     string
	Content    *string
	Priority   *int
	Disclosure *string
	Bypass     bool
}

// UpdateNodeResult reports a guarded update.
type UpdateNodeResult struct {
	Updated bool                        `json:"updated"`
	Result  *storage.UpdateMemoryResult `json:"result,omitempty"`
	Guard   *guard.Decision             `json:"guard,omitempty"`
	Message string                      `json:"message,omitempty"`
}

// UpdateNode mirrors CreateNode for in-place edits. The guard only runs
// when content changes; metadata edits and explicit bypasses are admitted
// with a BYPASS decision.
func (a *App) UpdateNode(ctx context.Context, params UpdateNodeParams) (*UpdateNodeResult, error) {
	result := &UpdateNodeResult{}

	err := a.Runtime.Lanes.RunWrite(ctx, params.SessionID, "update_memory", func(ctx context.Context) error {
		current, err := a.Store.GetMemoryByPath(ctx, params.Path, params.Domain)
		if err != nil {
			return err
		}

		switch {
		case params.Content == nil:
			result.Guard = &guard.Decision{Action: guard.ActionBypass, Method: guard.MethodNone, Reason: "metadata-only update"}
		case params.Bypass:
			result.Guard = &guard.Decision{Action: guard.ActionBypass, Method: guard.MethodNone, Reason: "bypass requested"}
		default:
			result.Guard = a.Guard.Evaluate(ctx, *params.Content, params.Domain, "", current.ID)
			blocked := guard.BlocksUpdate(result.Guard.Action, result.Guard.TargetID, current.ID)
			a.recordGuardEvent("update_memory", result.Guard, blocked)
			if blocked {
				result.Message = fmt.Sprintf("update blocked: %s (%s)", result.Guard.Action, result.Guard.Reason)
				return nil
			}
		}

		updated, err := a.Store.UpdateMemory(ctx, storage.UpdateMemoryParams{
			Path:       params.Path,
			Domain:     params.Domain,
			Content:    params.Content,
			Priority:   params.Priority,
			Disclosure: params.Disclosure,
		})
		if err != nil {
			return err
		}
		result.Updated = true
		result.Result = updated

		if params.Content != nil {
			a.attachGist(ctx, updated.NewMemoryID, *params.Content)
			a.trackActivity(ctx, params.SessionID, "update_memory", *params.Content)
		}
		a.scheduleIndexing(ctx, updated.IndexTargets, "update_memory")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveNode removes one path inside the write lane. Paths with children
// are rejected by the store.
func (a *App) RemoveNode(ctx context.Context, sessionID, path, domain string) (*storage.RemovePathResult, error) {
	var result *storage.RemovePathResult
	err := a.Runtime.Lanes.RunWrite(ctx, sessionID, "delete_memory", func(ctx context.Context) error {
		removed, err := a.Store.RemovePath(ctx, path, domain)
		if err != nil {
			return err
		}
		result = removed
		a.scheduleIndexing(ctx, []int64{removed.MemoryID}, "delete_memory")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddAlias registers an additional path inside the write lane.
func (a *App) AddAlias(ctx context.Context, sessionID, newPath, newDomain, targetPath, targetDomain string) error {
	return a.Runtime.Lanes.RunWrite(ctx, sessionID, "add_alias", func(ctx context.Context) error {
		return a.Store.AddPath(ctx, newPath, newDomain, targetPath, targetDomain)
	})
}

// CleanupCandidates runs the candidate query and records its profile.
func (a *App) CleanupCandidates(ctx context.Context, query storage.CleanupQuery) (*storage.CleanupCandidates, error) {
	candidates, err := a.Store.GetVitalityCleanupCandidates(ctx, query)
	if err != nil {
		return nil, err
	}
	a.Recorder.RecordCleanup(observe.CleanupEventFromProfile(candidates.Profile, candidates.Count))
	return candidates, nil
}

// CompactContext produces a gist for arbitrary content.
func (a *App) CompactContext(ctx context.Context, content string) (compact.Gist, []string) {
	return a.Gists.Generate(ctx, content)
}

// attachGist generates and stores a gist. Failures only log; gists are
// best-effort enrichment.
func (a *App) attachGist(ctx context.Context, memoryID int64, content string) {
	gist, degradeReasons := a.Gists.Generate(ctx, content)
	if len(degradeReasons) > 0 {
		a.Logger.Debug("gist generation degraded", zap.Strings("reasons", degradeReasons))
	}
	if strings.TrimSpace(gist.Text) == "" {
		return
	}
	err := a.Store.UpsertMemoryGist(ctx, memory.Gist{
		MemoryID:     memoryID,
		GistText:     gist.Text,
		SourceHash:   memory.ContentHash(content),
		GistMethod:   gist.Method,
		QualityScore: gist.QualityScore,
	})
	if err != nil {
		a.Logger.Warn("gist upsert failed", zap.Int64("memory_id", memoryID), zap.Error(err))
	}
}

// scheduleIndexing defers to the worker when enabled, otherwise reindexes
// inline so search stays consistent.
func (a *App) scheduleIndexing(ctx context.Context, memoryIDs []int64, reason string) {
	for _, id := range memoryIDs {
		id := id
		if a.deferIndex && a.Runtime.Worker.Enabled() {
			result := a.Runtime.Worker.Enqueue(runtime.TaskReindexMemory, &id, reason)
			if result.Dropped {
				a.Logger.Warn("index enqueue dropped", zap.Int64("memory_id", id))
			}
			continue
		}
		if err := a.Engine.ReindexMemory(ctx, id); err != nil {
			a.Logger.Warn("inline reindex failed", zap.Int64("memory_id", id), zap.Error(err))
		}
	}
}

// trackActivity feeds the flush tracker and flushes the session digest
// into a durable memory when the backlog trips the threshold.
func (a *App) trackActivity(ctx context.Context, sessionID, operation, text string) {
	a.Runtime.Flush.Record(sessionID, operation, text)
	if !a.Runtime.Flush.ShouldFlush(sessionID) {
		return
	}
	summary := a.Runtime.Flush.Drain(sessionID)
	if summary == nil {
		return
	}

	created, err := a.Store.CreateMemory(ctx, storage.CreateMemoryParams{
		ParentPath: "runtime/flush",
		Title:      fmt.Sprintf("%s %s", summary.SessionID, time.Now().UTC().Format("2006-01-02-150405")),
		Content:    summary.Text,
		Priority:   4,
		Domain:     "core",
	})
	if err != nil {
		a.Logger.Warn("session flush failed", zap.String("session", summary.SessionID), zap.Error(err))
		return
	}
	a.attachGist(ctx, created.ID, summary.Text)
	a.scheduleIndexing(ctx, created.IndexTargets, "session_flush")
	a.Logger.Info("session activity flushed",
		zap.String("session", summary.SessionID),
		zap.Int("events", summary.EventCount),
		zap.String("uri", created.URI))
}

func (a *App) recordGuardEvent(operation string, decision *guard.Decision, blocked bool) {
	a.Recorder.RecordGuard(observe.GuardEvent{
		Operation:      operation,
		Action:         decision.Action,
		Method:         decision.Method,
		Reason:         decision.Reason,
		TargetID:       decision.TargetID,
		Blocked:        blocked,
		Degraded:       decision.Degraded,
		DegradeReasons: decision.DegradeReasons,
	})
}

// ReadSegment slices a memory's content by character offsets, clamped to
// the content bounds.
func ReadSegment(content string, start, end int) (segment string, charRange [2]int) {
	runes := []rune(content)
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > len(runes) {
		end = len(runes)
	}
	if start > end {
		start = end
	}
	return string(runes[start:end]), [2]int{start, end}
}

