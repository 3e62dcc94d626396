// Package observe keeps rolling windows of search, guard, and cleanup
// events and computes summary aggregates on demand. The search window is
// persisted through runtime metadata so restarts keep recent history.
package observe

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/storage"
)

// SearchEventsMetaKey is where the search window snapshot persists.
const SearchEventsMetaKey = "observability.search_events.v1"

// Window capacities.
const (
	searchWindowSize  = 200
	cleanupWindowSize = 200
)

// SearchEvent is one recorded retrieval call.
type SearchEvent struct {
	Timestamp               time.Time `json:"timestamp"`
	ModeRequested           string    `json:"mode_requested"`
	ModeApplied             string    `json:"mode_applied"`
	LatencyMs               float64   `json:"latency_ms"`
	Degraded                bool      `json:"degraded"`
	DegradeReasons          []string  `json:"degrade_reasons,omitempty"`
	SessionCount            int       `json:"session_count"`
	GlobalCount             int       `json:"global_count"`
	ReturnedCount           int       `json:"returned_count"`
	Intent                  string    `json:"intent"`
	IntentApplied           bool      `json:"intent_applied"`
	StrategyTemplate        string    `json:"strategy_template"`
	StrategyTemplateApplied bool      `json:"strategy_template_applied"`
}

// GuardEvent is one recorded write-admission decision.
type GuardEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Operation      string    `json:"operation"`
	Action         string    `json:"action"`
	Method         string    `json:"method"`
	Reason         string    `json:"reason"`
	TargetID       *int64    `json:"target_id,omitempty"`
	Blocked        bool      `json:"blocked"`
	Degraded       bool      `json:"degraded"`
	DegradeReasons []string  `json:"degrade_reasons,omitempty"`
}

// CleanupEvent is one recorded cleanup candidate query.
type CleanupEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	QueryMs        float64   `json:"query_ms"`
	Slow           bool      `json:"slow"`
	CandidateCount int       `json:"candidate_count"`
	MemoryIndexHit bool      `json:"memory_index_hit"`
	PathIndexHit   bool      `json:"path_index_hit"`
	FullScan       bool      `json:"full_scan"`
	Degraded       bool      `json:"degraded"`
}

// Recorder owns the three windows. Each window has its own mutex; the
// search mutex also serializes snapshot persistence so concurrent
// recorders cannot overwrite each other with stale snapshots.
type Recorder struct {
	store  storage.Store
	logger *zap.Logger

	searchMu     sync.Mutex
	searchEvents []SearchEvent

	guardMu     sync.Mutex
	guardEvents []GuardEvent
	guardLimit  int

	cleanupMu     sync.Mutex
	cleanupEvents []CleanupEvent
	slowMs        float64
}

// NewRecorder builds the recorder and restores the persisted search
// window. A corrupt snapshot is discarded, never fatal.
func NewRecorder(ctx context.Context, store storage.Store, logger *zap.Logger) *Recorder {
	r := &Recorder{
		store:      store,
		logger:     logger,
		guardLimit: config.GetIntMin("runtime.guard-event-limit", 1),
		slowMs:     config.GetFloat("observability.cleanup-query-slow-ms"),
	}
	if r.slowMs <= 0 {
		r.slowMs = 250
	}

	raw, err := store.GetRuntimeMeta(ctx, SearchEventsMetaKey)
	if err != nil {
		logger.Warn("failed to restore search events", zap.Error(err))
		return r
	}
	if raw != "" {
		var restored []SearchEvent
		if err := json.Unmarshal([]byte(raw), &restored); err != nil {
			logger.Warn("discarding corrupt search event snapshot", zap.Error(err))
		} else {
			if len(restored) > searchWindowSize {
				restored = restored[len(restored)-searchWindowSize:]
			}
			r.searchEvents = restored
		}
	}
	return r
}

// RecordSearch appends to the search window and persists the snapshot.
func (r *Recorder) RecordSearch(ctx context.Context, event SearchEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.searchMu.Lock()
	defer r.searchMu.Unlock()

	r.searchEvents = append(r.searchEvents, event)
	if len(r.searchEvents) > searchWindowSize {
		r.searchEvents = r.searchEvents[len(r.searchEvents)-searchWindowSize:]
	}

	snapshot, err := json.Marshal(r.searchEvents)
	if err != nil {
		r.logger.Warn("failed to marshal search events", zap.Error(err))
		return
	}
	if err := r.store.SetRuntimeMeta(ctx, SearchEventsMetaKey, string(snapshot)); err != nil {
		r.logger.Warn("failed to persist search events", zap.Error(err))
	}
}

// RecordGuard appends to the guard window.
func (r *Recorder) RecordGuard(event GuardEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	r.guardEvents = append(r.guardEvents, event)
	if len(r.guardEvents) > r.guardLimit {
		r.guardEvents = r.guardEvents[len(r.guardEvents)-r.guardLimit:]
	}
}

// RecordCleanup appends to the cleanup window, flagging slow queries.
func (r *Recorder) RecordCleanup(event CleanupEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Slow = event.QueryMs >= r.slowMs

	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	r.cleanupEvents = append(r.cleanupEvents, event)
	if len(r.cleanupEvents) > cleanupWindowSize {
		r.cleanupEvents = r.cleanupEvents[len(r.cleanupEvents)-cleanupWindowSize:]
	}
}

// CleanupEventFromProfile adapts a store query profile into an event.
func CleanupEventFromProfile(profile storage.CleanupQueryProfile, candidateCount int) CleanupEvent {
	return CleanupEvent{
		QueryMs:        profile.QueryMs,
		CandidateCount: candidateCount,
		MemoryIndexHit: profile.IndexUsage["memory_cleanup_index"],
		PathIndexHit:   profile.IndexUsage["path_scope_index"],
		FullScan:       profile.FullScan,
		Degraded:       profile.Degraded,
	}
}

// Summary is the on-demand aggregate over all three windows.
type Summary struct {
	Search  SearchSummary  `json:"search"`
	Guard   GuardSummary   `json:"guard"`
	Cleanup CleanupSummary `json:"cleanup"`
}

// SearchSummary aggregates the search window.
type SearchSummary struct {
	Count             int              `json:"count"`
	AvgLatencyMs      float64          `json:"avg_latency_ms"`
	P95LatencyMs      float64          `json:"p95_latency_ms"`
	MaxLatencyMs      float64          `json:"max_latency_ms"`
	DegradedRatio     float64          `json:"degraded_ratio"`
	TopDegradeReasons []ReasonCount    `json:"top_degrade_reasons"`
	ModeBreakdown     map[string]int   `json:"mode_breakdown"`
	IntentBreakdown   map[string]int   `json:"intent_breakdown"`
	IntentAppliedRate float64          `json:"intent_applied_rate"`
}

// GuardSummary aggregates the guard window.
type GuardSummary struct {
	Count           int            `json:"count"`
	ActionBreakdown map[string]int `json:"action_breakdown"`
	MethodBreakdown map[string]int `json:"method_breakdown"`
	BlockedCount    int            `json:"blocked_count"`
	DegradedCount   int            `json:"degraded_count"`
}

// CleanupSummary aggregates the cleanup window.
type CleanupSummary struct {
	Count          int     `json:"count"`
	AvgQueryMs     float64 `json:"avg_query_ms"`
	P95QueryMs     float64 `json:"p95_query_ms"`
	SlowCount      int     `json:"slow_count"`
	FullScanCount  int     `json:"full_scan_count"`
	MemoryIndexHit float64 `json:"memory_index_hit_ratio"`
	PathIndexHit   float64 `json:"path_index_hit_ratio"`
}

// ReasonCount is one degrade reason with its frequency.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

const topReasonLimit = 5

// Summarize computes aggregates over the current windows.
func (r *Recorder) Summarize() Summary {
	return Summary{
		Search:  r.summarizeSearch(),
		Guard:   r.summarizeGuard(),
		Cleanup: r.summarizeCleanup(),
	}
}

// SearchEvents snapshots the search window, newest last.
func (r *Recorder) SearchEvents() []SearchEvent {
	r.searchMu.Lock()
	defer r.searchMu.Unlock()
	out := make([]SearchEvent, len(r.searchEvents))
	copy(out, r.searchEvents)
	return out
}

func (r *Recorder) summarizeSearch() SearchSummary {
	r.searchMu.Lock()
	events := make([]SearchEvent, len(r.searchEvents))
	copy(events, r.searchEvents)
	r.searchMu.Unlock()

	summary := SearchSummary{
		Count:           len(events),
		ModeBreakdown:   make(map[string]int),
		IntentBreakdown: make(map[string]int),
	}
	if len(events) == 0 {
		return summary
	}

	latencies := make([]float64, 0, len(events))
	reasonCounts := make(map[string]int)
	degraded, intentApplied := 0, 0
	var total float64
	for _, event := range events {
		latencies = append(latencies, event.LatencyMs)
		total += event.LatencyMs
		if event.LatencyMs > summary.MaxLatencyMs {
			summary.MaxLatencyMs = event.LatencyMs
		}
		if event.Degraded {
			degraded++
		}
		if event.IntentApplied {
			intentApplied++
		}
		for _, reason := range event.DegradeReasons {
			reasonCounts[reason]++
		}
		summary.ModeBreakdown[event.ModeApplied]++
		summary.IntentBreakdown[event.Intent]++
	}

	summary.AvgLatencyMs = total / float64(len(events))
	summary.P95LatencyMs = percentile(latencies, 0.95)
	summary.DegradedRatio = float64(degraded) / float64(len(events))
	summary.IntentAppliedRate = float64(intentApplied) / float64(len(events))
	summary.TopDegradeReasons = topReasons(reasonCounts, topReasonLimit)
	return summary
}

func (r *Recorder) summarizeGuard() GuardSummary {
	r.guardMu.Lock()
	events := make([]GuardEvent, len(r.guardEvents))
	copy(events, r.guardEvents)
	r.guardMu.Unlock()

	summary := GuardSummary{
		Count:           len(events),
		ActionBreakdown: make(map[string]int),
		MethodBreakdown: make(map[string]int),
	}
	for _, event := range events {
		summary.ActionBreakdown[event.Action]++
		summary.MethodBreakdown[event.Method]++
		if event.Blocked {
			summary.BlockedCount++
		}
		if event.Degraded {
			summary.DegradedCount++
		}
	}
	return summary
}

func (r *Recorder) summarizeCleanup() CleanupSummary {
	r.cleanupMu.Lock()
	events := make([]CleanupEvent, len(r.cleanupEvents))
	copy(events, r.cleanupEvents)
	r.cleanupMu.Unlock()

	summary := CleanupSummary{Count: len(events)}
	if len(events) == 0 {
		return summary
	}

	timings := make([]float64, 0, len(events))
	memoryHits, pathHits := 0, 0
	var total float64
	for _, event := range events {
		timings = append(timings, event.QueryMs)
		total += event.QueryMs
		if event.Slow {
			summary.SlowCount++
		}
		if event.FullScan {
			summary.FullScanCount++
		}
		if event.MemoryIndexHit {
			memoryHits++
		}
		if event.PathIndexHit {
			pathHits++
		}
	}
	summary.AvgQueryMs = total / float64(len(events))
	summary.P95QueryMs = percentile(timings, 0.95)
	summary.MemoryIndexHit = float64(memoryHits) / float64(len(events))
	summary.PathIndexHit = float64(pathHits) / float64(len(events))
	return summary
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func topReasons(counts map[string]int, limit int) []ReasonCount {
	ranked := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		ranked = append(ranked, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Reason < ranked[j].Reason
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
