package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/untoldecay/engram/internal/config"
	"github.com/untoldecay/engram/internal/enerr"
	"github.com/untoldecay/engram/internal/retrieval"
)

// Index job task types.
const (
	TaskReindexMemory      = "reindex_memory"
	TaskRebuildIndex       = "rebuild_index"
	TaskSleepConsolidation = "sleep_consolidation"
)

// Index job states.
const (
	JobQueued     = "queued"
	JobRunning    = "running"
	JobCancelling = "cancelling"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobDropped    = "dropped"
	JobCancelled  = "cancelled"
)

// JobRecord is the externally visible snapshot of a job.
type JobRecord struct {
	JobID       string         `json:"job_id"`
	TaskType    string         `json:"task_type"`
	MemoryID    *int64         `json:"memory_id,omitempty"`
	Reason      string         `json:"reason"`
	Status      string         `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func isFinal(status string) bool {
	switch status {
	case JobSucceeded, JobFailed, JobDropped, JobCancelled:
		return true
	}
	return false
}

// EnqueueResult reports the outcome of an enqueue attempt.
type EnqueueResult struct {
	Queued  bool   `json:"queued"`
	Deduped bool   `json:"deduped,omitempty"`
	Dropped bool   `json:"dropped,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type job struct {
	record JobRecord
	done   chan struct{}
	cancel context.CancelFunc
}

// SleepFunc runs one sleep-consolidation pass and returns its report.
type SleepFunc func(ctx context.Context, reason string) (map[string]any, error)

// IndexWorker is a single background consumer over a bounded job queue.
// One job runs at a time; pending same-kind work is deduplicated.
type IndexWorker struct {
	mu      sync.Mutex
	queue   chan *job
	jobs    map[string]*job
	order   []string
	running *job

	engine      *retrieval.Engine
	sleep       SleepFunc
	logger      *zap.Logger
	recentLimit int
	enabled     bool
}

// NewIndexWorker builds the worker; Run must be started separately.
func NewIndexWorker(engine *retrieval.Engine, logger *zap.Logger) *IndexWorker {
	return &IndexWorker{
		queue:       make(chan *job, config.GetIntMin("runtime.index-queue-maxsize", 1)),
		jobs:        make(map[string]*job),
		engine:      engine,
		logger:      logger,
		recentLimit: config.GetIntMin("runtime.index-recent-jobs", 1),
		enabled:     config.GetBool("runtime.index-worker-enabled"),
	}
}

// SetSleepFunc registers the sleep-consolidation implementation.
func (w *IndexWorker) SetSleepFunc(fn SleepFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sleep = fn
}

// Enabled reports whether the worker processes jobs at all.
func (w *IndexWorker) Enabled() bool { return w.enabled }

// Enqueue adds a job unless equivalent work is already pending.
// reindex_memory dedupes by memory id; rebuild_index and
// sleep_consolidation dedupe globally.
func (w *IndexWorker) Enqueue(taskType string, memoryID *int64, reason string) EnqueueResult {
	w.mu.Lock()

	if existing := w.findPendingLocked(taskType, memoryID); existing != nil {
		id := existing.record.JobID
		w.mu.Unlock()
		return EnqueueResult{Deduped: true, JobID: id}
	}

	now := time.Now().UTC()
	j := &job{
		record: JobRecord{
			JobID:       uuid.NewString(),
			TaskType:    taskType,
			MemoryID:    memoryID,
			Reason:      reason,
			Status:      JobQueued,
			RequestedAt: now,
		},
		done: make(chan struct{}),
	}

	select {
	case w.queue <- j:
		w.rememberLocked(j)
		w.mu.Unlock()
		return EnqueueResult{Queued: true, JobID: j.record.JobID}
	default:
		j.record.Status = JobDropped
		j.record.Error = "queue_full"
		finished := now
		j.record.FinishedAt = &finished
		close(j.done)
		w.rememberLocked(j)
		w.mu.Unlock()
		return EnqueueResult{Dropped: true, JobID: j.record.JobID, Reason: "queue_full"}
	}
}

func (w *IndexWorker) findPendingLocked(taskType string, memoryID *int64) *job {
	for _, id := range w.order {
		j := w.jobs[id]
		if j == nil || j.record.TaskType != taskType {
			continue
		}
		if j.record.Status != JobQueued && j.record.Status != JobRunning {
			continue
		}
		if taskType == TaskReindexMemory {
			if j.record.MemoryID != nil && memoryID != nil && *j.record.MemoryID == *memoryID {
				return j
			}
			continue
		}
		return j
	}
	return nil
}

func (w *IndexWorker) rememberLocked(j *job) {
	w.jobs[j.record.JobID] = j
	w.order = append(w.order, j.record.JobID)
	w.evictLocked(j.record.JobID)
}

// evictLocked drops the oldest finalized records beyond the retention
// limit. Pending jobs are never evicted, and neither is keepID: a dropped
// enqueue finalizes immediately but its record must stay queryable by the
// job id the caller was just handed.
func (w *IndexWorker) evictLocked(keepID string) {
	excess := len(w.order) - w.recentLimit
	if excess <= 0 {
		return
	}
	kept := w.order[:0]
	for _, id := range w.order {
		j := w.jobs[id]
		if excess > 0 && id != keepID && j != nil && isFinal(j.record.Status) {
			delete(w.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	w.order = kept
}

// GetJob snapshots one record.
func (w *IndexWorker) GetJob(jobID string) (JobRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.jobs[jobID]
	if !ok {
		return JobRecord{}, false
	}
	return j.record, true
}

// RecentJobs lists retained records, newest first.
func (w *IndexWorker) RecentJobs() []JobRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	records := make([]JobRecord, 0, len(w.order))
	for i := len(w.order) - 1; i >= 0; i-- {
		if j := w.jobs[w.order[i]]; j != nil {
			records = append(records, j.record)
		}
	}
	return records
}

// WaitForJob blocks until the job finalizes or the timeout elapses,
// returning the latest record either way.
func (w *IndexWorker) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (JobRecord, error) {
	w.mu.Lock()
	j, ok := w.jobs[jobID]
	w.mu.Unlock()
	if !ok {
		return JobRecord{}, fmt.Errorf("%w: job %s", enerr.ErrNotFound, jobID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return j.record, nil
}

// CancelJob cancels a queued or running job. Queued jobs finalize
// immediately; running jobs transition to cancelling and finalize when the
// execution observes the cancelled context.
func (w *IndexWorker) CancelJob(jobID, reason string) (JobRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	j, ok := w.jobs[jobID]
	if !ok {
		return JobRecord{}, fmt.Errorf("%w: job %s", enerr.ErrNotFound, jobID)
	}

	switch j.record.Status {
	case JobQueued:
		w.finalizeLocked(j, JobCancelled, nil, reason)
		return j.record, nil
	case JobRunning:
		j.record.Status = JobCancelling
		j.record.Error = reason
		if j.cancel != nil {
			j.cancel()
		}
		return j.record, nil
	default:
		return j.record, fmt.Errorf("%w: job %s already %s", enerr.ErrConflict, jobID, j.record.Status)
	}
}

// RetryJob re-enqueues terminal failed/dropped/cancelled work.
func (w *IndexWorker) RetryJob(jobID, reasonOverride string) (EnqueueResult, error) {
	w.mu.Lock()
	j, ok := w.jobs[jobID]
	if !ok {
		w.mu.Unlock()
		return EnqueueResult{}, fmt.Errorf("%w: job %s", enerr.ErrNotFound, jobID)
	}
	record := j.record
	w.mu.Unlock()

	switch record.Status {
	case JobFailed, JobDropped, JobCancelled:
	default:
		return EnqueueResult{}, fmt.Errorf("%w: job %s is %s, not retryable", enerr.ErrConflict, jobID, record.Status)
	}

	reason := reasonOverride
	if reason == "" {
		reason = "retry:" + jobID
	}
	result := w.Enqueue(record.TaskType, record.MemoryID, reason)
	if result.Dropped {
		return result, fmt.Errorf("%w: index job enqueue failed", enerr.ErrQueueFull)
	}
	return result, nil
}

func (w *IndexWorker) finalizeLocked(j *job, status string, result map[string]any, errText string) {
	if isFinal(j.record.Status) {
		return
	}
	j.record.Status = status
	j.record.Result = result
	if errText != "" {
		j.record.Error = errText
	}
	finished := time.Now().UTC()
	j.record.FinishedAt = &finished
	close(j.done)
}

// Run consumes the queue until ctx is cancelled. One job at a time.
func (w *IndexWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drainOnShutdown()
			return
		case j := <-w.queue:
			w.execute(ctx, j)
		}
	}
}

func (w *IndexWorker) drainOnShutdown() {
	for {
		select {
		case j := <-w.queue:
			w.mu.Lock()
			w.finalizeLocked(j, JobFailed, nil, "worker_cancelled")
			w.mu.Unlock()
		default:
			return
		}
	}
}

func (w *IndexWorker) execute(parent context.Context, j *job) {
	w.mu.Lock()
	if isFinal(j.record.Status) {
		// Cancelled while queued.
		w.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(parent)
	j.cancel = cancel
	j.record.Status = JobRunning
	started := time.Now().UTC()
	j.record.StartedAt = &started
	w.running = j
	sleep := w.sleep
	w.mu.Unlock()
	defer cancel()

	result, err := w.runTask(jobCtx, j, sleep)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = nil

	switch {
	case err == nil:
		w.finalizeLocked(j, JobSucceeded, result, "")
	case jobCtx.Err() != nil && parent.Err() == nil:
		// The job's own context was cancelled: this was a cancel request.
		w.finalizeLocked(j, JobCancelled, nil, j.record.Error)
	case parent.Err() != nil:
		w.finalizeLocked(j, JobFailed, nil, "worker_cancelled")
	default:
		w.logger.Warn("index job failed",
			zap.String("job_id", j.record.JobID),
			zap.String("task_type", j.record.TaskType),
			zap.Error(err))
		w.finalizeLocked(j, JobFailed, nil, err.Error())
	}
}

func (w *IndexWorker) runTask(ctx context.Context, j *job, sleep SleepFunc) (map[string]any, error) {
	switch j.record.TaskType {
	case TaskReindexMemory:
		if j.record.MemoryID == nil {
			return nil, fmt.Errorf("%w: reindex job without memory id", enerr.ErrValidation)
		}
		if err := w.engine.ReindexMemory(ctx, *j.record.MemoryID); err != nil {
			return nil, err
		}
		return map[string]any{"memory_id": *j.record.MemoryID}, nil
	case TaskRebuildIndex:
		indexed, err := w.engine.RebuildIndex(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"indexed_memories": indexed}, nil
	case TaskSleepConsolidation:
		if sleep == nil {
			return nil, fmt.Errorf("%w: sleep consolidation is not wired", enerr.ErrConflict)
		}
		return sleep(ctx, j.record.Reason)
	}
	return nil, fmt.Errorf("%w: unknown task type %q", enerr.ErrValidation, j.record.TaskType)
}

// Status summarizes the worker for the maintenance surface.
func (w *IndexWorker) Status() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	var runningID string
	if w.running != nil {
		runningID = w.running.record.JobID
	}
	return map[string]any{
		"enabled":        w.enabled,
		"queue_depth":    len(w.queue),
		"queue_capacity": cap(w.queue),
		"running_job_id": runningID,
		"retained_jobs":  len(w.order),
	}
}
