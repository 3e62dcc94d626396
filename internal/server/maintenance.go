package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/untoldecay/engram/internal/app"
	"github.com/untoldecay/engram/internal/runtime"
	"github.com/untoldecay/engram/internal/storage"
)

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.app.Store.GetIndexStatus(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"index":  status,
		"worker": s.app.Runtime.Worker.Status(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"jobs": s.app.Runtime.Worker.RecentJobs(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	record, ok := s.app.Runtime.Worker.GetJob(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": record})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &body)
	if body.Reason == "" {
		body.Reason = "cancel requested"
	}
	record, err := s.app.Runtime.Worker.CancelJob(chi.URLParam(r, "jobID"), body.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": record})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &body)
	result, err := s.app.Runtime.Worker.RetryJob(chi.URLParam(r, "jobID"), body.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enqueue": result})
}

func (s *Server) enqueueResponse(w http.ResponseWriter, operation string, result runtime.EnqueueResult) {
	if result.Dropped {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "index_job_enqueue_failed",
			"reason":    result.Reason,
			"operation": operation,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enqueue": result})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	s.enqueueResponse(w, runtime.TaskRebuildIndex, s.app.Runtime.Worker.Enqueue(runtime.TaskRebuildIndex, nil, "manual"))
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MemoryID int64  `json:"memory_id"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil || body.MemoryID <= 0 {
		writeError(w, http.StatusBadRequest, "memory_id is required")
		return
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}
	s.enqueueResponse(w, runtime.TaskReindexMemory, s.app.Runtime.Worker.Enqueue(runtime.TaskReindexMemory, &body.MemoryID, body.Reason))
}

func (s *Server) handleSleepConsolidation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &body)
	if body.Reason == "" {
		body.Reason = "manual"
	}
	s.enqueueResponse(w, runtime.TaskSleepConsolidation, s.app.Runtime.Worker.Enqueue(runtime.TaskSleepConsolidation, nil, body.Reason))
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force  bool   `json:"force"`
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &body)
	if body.Reason == "" {
		body.Reason = "manual"
	}
	result, err := s.app.Runtime.Decay.MaybeApply(r.Context(), body.Force, body.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "decay": result})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := storage.CleanupQuery{
		Domain:     q.Get("domain"),
		PathPrefix: q.Get("path_prefix"),
	}
	query.Threshold, _ = strconv.ParseFloat(q.Get("threshold"), 64)
	query.InactiveDays, _ = strconv.ParseFloat(q.Get("inactive_days"), 64)
	query.Limit, _ = strconv.Atoi(q.Get("limit"))

	candidates, err := s.app.CleanupCandidates(r.Context(), query)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"items":         candidates.Items,
		"count":         candidates.Count,
		"query_profile": candidates.Profile,
	})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action     string                    `json:"action"`
		Selections []runtime.ReviewSelection `json:"selections"`
		Reviewer   string                    `json:"reviewer"`
		TTLSeconds int                       `json:"ttl_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	review, err := s.app.Runtime.Reviews.Prepare(r.Context(), body.Action, body.Selections,
		body.Reviewer, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		var stale *runtime.StaleSelectionError
		if errors.As(err, &stale) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"ok":          false,
				"error":       "stale_selections",
				"missing_ids": stale.MissingIDs,
				"stale_ids":   stale.StaleIDs,
			})
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "review": review})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReviewID string `json:"review_id"`
		Token    string `json:"token"`
		Phrase   string `json:"confirmation_phrase"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	outcome, err := s.app.Runtime.Reviews.Confirm(r.Context(), body.ReviewID, body.Token, body.Phrase)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "outcome": outcome})
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.app.Store.GetAllOrphanMemories(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "orphans": orphans, "count": len(orphans)})
}

func (s *Server) handleOrphanDetail(w http.ResponseWriter, r *http.Request) {
	memoryID, err := strconv.ParseInt(chi.URLParam(r, "memoryID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}
	detail, err := s.app.Store.GetOrphanDetail(r.Context(), memoryID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "orphan": detail})
}

func (s *Server) handleDeleteOrphan(w http.ResponseWriter, r *http.Request) {
	memoryID, err := strconv.ParseInt(chi.URLParam(r, "memoryID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}
	opts := storage.DeleteMemoryOptions{
		RequireOrphan:     true,
		ExpectedStateHash: r.URL.Query().Get("expected_state_hash"),
	}
	if err := s.app.Store.PermanentlyDeleteMemory(r.Context(), memoryID, opts); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": memoryID})
}

func (s *Server) handleObservabilitySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"summary": s.app.Recorder.Summarize(),
	})
}

type observabilitySearchBody struct {
	Query               string `json:"query"`
	Mode                string `json:"mode"`
	MaxResults          int    `json:"max_results"`
	CandidateMultiplier int    `json:"candidate_multiplier"`
	IncludeSession      bool   `json:"include_session"`
	SessionID           string `json:"session_id"`
	IntentProfile       string `json:"intent_profile"`
	Filters             struct {
		Domain       string `json:"domain"`
		PathPrefix   string `json:"path_prefix"`
		MaxPriority  *int   `json:"max_priority"`
		UpdatedAfter string `json:"updated_after"`
	} `json:"filters"`
}

func (s *Server) handleObservabilitySearch(w http.ResponseWriter, r *http.Request) {
	var body observabilitySearchBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var updatedAfter *time.Time
	if body.Filters.UpdatedAfter != "" {
		parsed, err := time.Parse(time.RFC3339, body.Filters.UpdatedAfter)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid updated_after, expected RFC 3339")
			return
		}
		updatedAfter = &parsed
	}

	outcome := s.app.Search(r.Context(), app.SearchOptions{
		Query:               body.Query,
		Mode:                body.Mode,
		MaxResults:          body.MaxResults,
		CandidateMultiplier: body.CandidateMultiplier,
		IntentProfile:       body.IntentProfile,
		IncludeSession:      body.IncludeSession,
		SessionID:           body.SessionID,
		Filters: storage.ChunkFilters{
			Domain:       body.Filters.Domain,
			PathPrefix:   body.Filters.PathPrefix,
			MaxPriority:  body.Filters.MaxPriority,
			UpdatedAfter: updatedAfter,
		},
	})

	response := outcome.Response
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                        true,
		"query":                     response.Query,
		"query_effective":           response.QueryEffective,
		"intent":                    response.Metadata.Intent,
		"intent_profile":            strings.TrimSpace(body.IntentProfile),
		"intent_applied":            response.Metadata.IntentApplied,
		"strategy_template":         response.Metadata.StrategyTemplate,
		"strategy_template_applied": response.Metadata.StrategyTemplateApplied,
		"mode_requested":            response.ModeRequested,
		"mode_applied":              response.ModeApplied,
		"filters":                   body.Filters,
		"max_results":               body.MaxResults,
		"candidate_multiplier":      body.CandidateMultiplier,
		"degraded":                  response.Degraded,
		"degrade_reasons":           response.DegradeReasons,
		"counts":                    outcome.Counts,
		"results":                   response.Results,
		"session_results":           outcome.SessionHits,
		"backend_metadata":          response.Metadata,
		"timestamp":                 time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"lanes":  s.app.Runtime.Lanes.Status(),
		"worker": s.app.Runtime.Worker.Status(),
	})
}
