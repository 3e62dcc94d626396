package mcp

import (
	"context"
	"time"

	"github.com/untoldecay/engram/internal/app"
	"github.com/untoldecay/engram/internal/memory"
	"github.com/untoldecay/engram/internal/runtime"
	"github.com/untoldecay/engram/internal/storage"
)

func toolDefinitions() []map[string]any {
	object := func(properties map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": properties}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "number"}
	boolean := map[string]any{"type": "boolean"}

	return []map[string]any{
		{
			"name":        "search_memory",
			"description": "Search stored memories with keyword, semantic, or hybrid retrieval.",
			"inputSchema": object(map[string]any{
				"query": str, "mode": str, "max_results": num,
				"intent_profile": str, "domain": str, "path_prefix": str,
				"updated_after": str,
				"session_id": str, "include_session": boolean,
			}, "query"),
		},
		{
			"name":        "compact_context",
			"description": "Summarize content into a short gist.",
			"inputSchema": object(map[string]any{"content": str}, "content"),
		},
		{
			"name":        "create_memory",
			"description": "Create a memory under a parent path, guarded against duplicates.",
			"inputSchema": object(map[string]any{
				"parent_path": str, "title": str, "content": str,
				"priority": num, "disclosure": str, "domain": str,
				"session_id": str, "bypass_guard": boolean,
			}, "content", "domain"),
		},
		{
			"name":        "update_memory",
			"description": "Update a memory by uri; changed content creates a new version.",
			"inputSchema": object(map[string]any{
				"uri": str, "content": str, "priority": num,
				"disclosure": str, "session_id": str, "bypass_guard": boolean,
			}, "uri"),
		},
		{
			"name":        "read_memory",
			"description": "Read a memory by uri; supports byte ranges and the memory://recent view.",
			"inputSchema": object(map[string]any{
				"uri": str, "start": num, "end": num, "limit": num,
			}, "uri"),
		},
		{
			"name":        "delete_memory",
			"description": "Remove a path; the memory becomes an orphan when its last path goes.",
			"inputSchema": object(map[string]any{"uri": str, "session_id": str}, "uri"),
		},
		{
			"name":        "add_alias",
			"description": "Register an additional path for an existing memory.",
			"inputSchema": object(map[string]any{"uri": str, "target_uri": str, "session_id": str}, "uri", "target_uri"),
		},
		{
			"name":        "rebuild_index",
			"description": "Schedule index work: one memory, a full rebuild, or sleep consolidation.",
			"inputSchema": object(map[string]any{
				"memory_id": num, "scope": str, "reason": str, "wait_seconds": num,
			}),
		},
		{
			"name":        "index_status",
			"description": "Report retrieval index availability and worker state.",
			"inputSchema": object(map[string]any{}),
		},
	}
}

func argString(args map[string]any, key string) string {
	if value, ok := args[key].(string); ok {
		return value
	}
	return ""
}

func argInt(args map[string]any, key string) int {
	if value, ok := args[key].(float64); ok {
		return int(value)
	}
	return 0
}

func argBool(args map[string]any, key string) bool {
	value, _ := args[key].(bool)
	return value
}

func failure(err error) map[string]any {
	return map[string]any{"ok": false, "error": err.Error()}
}

func (s *Server) toolSearchMemory(ctx context.Context, args map[string]any) map[string]any {
	var updatedAfter *time.Time
	if raw := argString(args, "updated_after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return map[string]any{"ok": false, "error": "invalid updated_after, expected RFC 3339"}
		}
		updatedAfter = &parsed
	}

	outcome := s.app.Search(ctx, app.SearchOptions{
		Query:          argString(args, "query"),
		Mode:           argString(args, "mode"),
		MaxResults:     argInt(args, "max_results"),
		IntentProfile:  argString(args, "intent_profile"),
		IncludeSession: argBool(args, "include_session"),
		SessionID:      argString(args, "session_id"),
		Filters: storage.ChunkFilters{
			Domain:       argString(args, "domain"),
			PathPrefix:   argString(args, "path_prefix"),
			UpdatedAfter: updatedAfter,
		},
	})

	response := outcome.Response
	return map[string]any{
		"ok":                true,
		"query":             response.Query,
		"query_effective":   response.QueryEffective,
		"mode_requested":    response.ModeRequested,
		"mode_applied":      response.ModeApplied,
		"results":           response.Results,
		"session_results":   outcome.SessionHits,
		"counts":            outcome.Counts,
		"degraded":          response.Degraded,
		"degrade_reasons":   response.DegradeReasons,
		"intent":            response.Metadata.Intent,
		"intent_profile":    argString(args, "intent_profile"),
		"strategy_template": response.Metadata.StrategyTemplate,
		"backend_method":    response.Metadata.BackendMethod,
	}
}

func (s *Server) toolCompactContext(ctx context.Context, args map[string]any) map[string]any {
	gist, degradeReasons := s.app.CompactContext(ctx, argString(args, "content"))
	return map[string]any{
		"ok":              true,
		"gist":            gist.Text,
		"method":          gist.Method,
		"quality_score":   gist.QualityScore,
		"degraded":        len(degradeReasons) > 0,
		"degrade_reasons": degradeReasons,
	}
}

func (s *Server) toolCreateMemory(ctx context.Context, args map[string]any) map[string]any {
	result, err := s.app.CreateNode(ctx, app.CreateNodeParams{
		SessionID:  argString(args, "session_id"),
		ParentPath: argString(args, "parent_path"),
		Title:      argString(args, "title"),
		Content:    argString(args, "content"),
		Priority:   argInt(args, "priority"),
		Disclosure: argString(args, "disclosure"),
		Domain:     argString(args, "domain"),
		Bypass:     argBool(args, "bypass_guard"),
	})
	if err != nil {
		return failure(err)
	}

	payload := map[string]any{
		"ok":      true,
		"created": result.Created,
		"guard":   result.Guard,
	}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if result.Memory != nil {
		payload["uri"] = result.Memory.URI
		payload["memory_id"] = result.Memory.ID
	}
	return payload
}

func (s *Server) toolUpdateMemory(ctx context.Context, args map[string]any) map[string]any {
	domain, path, err := memory.ParseURI(argString(args, "uri"))
	if err != nil {
		return failure(err)
	}

	params := app.UpdateNodeParams{
		SessionID: argString(args, "session_id"),
		Path:      path,
		Domain:    domain,
		Bypass:    argBool(args, "bypass_guard"),
	}
	if content, ok := args["content"].(string); ok {
		params.Content = &content
	}
	if priority, ok := args["priority"].(float64); ok {
		p := int(priority)
		params.Priority = &p
	}
	if disclosure, ok := args["disclosure"].(string); ok {
		params.Disclosure = &disclosure
	}

	result, err := s.app.UpdateNode(ctx, params)
	if err != nil {
		return failure(err)
	}
	payload := map[string]any{"ok": true, "updated": result.Updated}
	if result.Guard != nil {
		payload["guard"] = result.Guard
	}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if result.Result != nil {
		payload["versioned"] = result.Result.Versioned
		payload["memory_id"] = result.Result.NewMemoryID
	}
	return payload
}

func (s *Server) toolReadMemory(ctx context.Context, args map[string]any) map[string]any {
	uri := argString(args, "uri")

	// The recent view lists the latest addressable memories.
	if uri == "memory://recent" {
		limit := argInt(args, "limit")
		if limit <= 0 {
			limit = 10
		}
		recent, err := s.app.Store.GetRecentMemories(ctx, limit)
		if err != nil {
			return failure(err)
		}
		return map[string]any{"ok": true, "uri": uri, "recent": recent}
	}

	domain, path, err := memory.ParseURI(uri)
	if err != nil {
		return failure(err)
	}
	mem, err := s.app.Store.GetMemoryByPath(ctx, path, domain)
	if err != nil {
		return failure(err)
	}

	payload := map[string]any{
		"ok":           true,
		"uri":          uri,
		"memory_id":    mem.ID,
		"priority":     mem.Priority,
		"created_at":   mem.CreatedAt.UTC().Format(time.RFC3339),
		"access_count": mem.AccessCount,
	}

	start, end := argInt(args, "start"), argInt(args, "end")
	if start > 0 || end > 0 {
		segment, charRange := app.ReadSegment(mem.Content, start, end)
		payload["content"] = segment
		payload["char_range"] = charRange
	} else {
		payload["content"] = mem.Content
	}

	if gist, err := s.app.Store.GetLatestMemoryGist(ctx, mem.ID); err == nil && gist != nil {
		payload["gist_text"] = gist.GistText
		payload["gist_method"] = gist.GistMethod
	}
	return payload
}

func (s *Server) toolDeleteMemory(ctx context.Context, args map[string]any) map[string]any {
	domain, path, err := memory.ParseURI(argString(args, "uri"))
	if err != nil {
		return failure(err)
	}
	result, err := s.app.RemoveNode(ctx, argString(args, "session_id"), path, domain)
	if err != nil {
		return failure(err)
	}
	return map[string]any{
		"ok":       true,
		"removed":  result.Removed,
		"orphaned": result.Orphaned,
	}
}

func (s *Server) toolAddAlias(ctx context.Context, args map[string]any) map[string]any {
	aliasDomain, aliasPath, err := memory.ParseURI(argString(args, "uri"))
	if err != nil {
		return failure(err)
	}
	targetDomain, targetPath, err := memory.ParseURI(argString(args, "target_uri"))
	if err != nil {
		return failure(err)
	}
	if err := s.app.AddAlias(ctx, argString(args, "session_id"),
		aliasPath, aliasDomain, targetPath, targetDomain); err != nil {
		return failure(err)
	}
	return map[string]any{"ok": true, "alias": argString(args, "uri")}
}

func (s *Server) toolRebuildIndex(ctx context.Context, args map[string]any) map[string]any {
	reason := argString(args, "reason")
	if reason == "" {
		reason = "mcp"
	}

	var result runtime.EnqueueResult
	switch argString(args, "scope") {
	case "sleep_consolidation":
		result = s.app.Runtime.Worker.Enqueue(runtime.TaskSleepConsolidation, nil, reason)
	case "", "full":
		if memoryID := int64(argInt(args, "memory_id")); memoryID > 0 {
			result = s.app.Runtime.Worker.Enqueue(runtime.TaskReindexMemory, &memoryID, reason)
		} else {
			result = s.app.Runtime.Worker.Enqueue(runtime.TaskRebuildIndex, nil, reason)
		}
	case "memory":
		memoryID := int64(argInt(args, "memory_id"))
		if memoryID <= 0 {
			return map[string]any{"ok": false, "error": "memory_id is required for scope memory"}
		}
		result = s.app.Runtime.Worker.Enqueue(runtime.TaskReindexMemory, &memoryID, reason)
	default:
		return map[string]any{"ok": false, "error": "unknown scope"}
	}

	payload := map[string]any{"ok": !result.Dropped, "enqueue": result}
	if result.Dropped {
		payload["error"] = "index_job_enqueue_failed"
		return payload
	}

	if waitSeconds := argInt(args, "wait_seconds"); waitSeconds > 0 && result.JobID != "" {
		record, err := s.app.Runtime.Worker.WaitForJob(ctx, result.JobID,
			time.Duration(waitSeconds)*time.Second)
		if err == nil {
			payload["job"] = record
		}
	}
	return payload
}

func (s *Server) toolIndexStatus(ctx context.Context) map[string]any {
	status, err := s.app.Store.GetIndexStatus(ctx)
	if err != nil {
		return failure(err)
	}
	return map[string]any{
		"ok":     true,
		"index":  status,
		"worker": s.app.Runtime.Worker.Status(),
	}
}
