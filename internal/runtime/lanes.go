// Package runtime hosts the long-lived coordinators: write lanes, the
// index worker, session caches, auto-flush, vitality decay, cleanup
// reviews, and the sleep-time consolidator.
package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/untoldecay/engram/internal/config"
)

// WriteLanes serializes writes per session (strict FIFO) and bounds global
// write concurrency with a weighted semaphore.
type WriteLanes struct {
	mu       sync.Mutex
	sessions map[string]*writeLane
	global   *semaphore.Weighted

	concurrency   int64
	activeWrites  int64
	waitingWrites int64
	warnAfter     time.Duration
	logger        *zap.Logger
}

type writeLane struct {
	busy       bool
	queue      []chan struct{}
	waiting    int
	maxWaiting int
}

// LaneStatus is the observable state of the write coordinator.
type LaneStatus struct {
	GlobalConcurrency int64                    `json:"global_concurrency"`
	Active            int64                    `json:"active"`
	Waiting           int64                    `json:"waiting"`
	Sessions          map[string]SessionStatus `json:"sessions"`
}

// SessionStatus is one lane's queue state.
type SessionStatus struct {
	Waiting    int  `json:"waiting"`
	MaxWaiting int  `json:"max_waiting"`
	Busy       bool `json:"busy"`
}

// NewWriteLanes reads concurrency limits from configuration.
func NewWriteLanes(logger *zap.Logger) *WriteLanes {
	concurrency := int64(config.GetIntMin("runtime.write-global-concurrency", 1))
	warnMs := config.GetIntMin("runtime.write-wait-warn-ms", 0)
	return &WriteLanes{
		sessions:    make(map[string]*writeLane),
		global:      semaphore.NewWeighted(concurrency),
		concurrency: concurrency,
		warnAfter:   time.Duration(warnMs) * time.Millisecond,
		logger:      logger,
	}
}

func normalizeSession(sessionID string) string {
	sessionID = strings.TrimSpace(strings.ToLower(sessionID))
	if sessionID == "" {
		return "default"
	}
	return sessionID
}

// RunWrite executes task under the session lane and a global slot. Writes
// within one session run in submission order; across sessions only the
// global semaphore bounds parallelism.
func (w *WriteLanes) RunWrite(ctx context.Context, sessionID, operation string, task func(context.Context) error) error {
	session := normalizeSession(sessionID)
	started := time.Now()

	if err := w.acquireLane(ctx, session); err != nil {
		return err
	}
	defer w.releaseLane(session)

	if err := w.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.global.Release(1)

	if waited := time.Since(started); w.warnAfter > 0 && waited > w.warnAfter {
		w.logger.Warn("write waited unusually long for a lane",
			zap.String("session", session),
			zap.String("operation", operation),
			zap.Duration("waited", waited))
	}

	w.mu.Lock()
	w.activeWrites++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.activeWrites--
		w.mu.Unlock()
	}()

	return task(ctx)
}

// acquireLane blocks until the caller owns the session lane. Waiters are
// granted in arrival order.
func (w *WriteLanes) acquireLane(ctx context.Context, session string) error {
	w.mu.Lock()
	lane, ok := w.sessions[session]
	if !ok {
		lane = &writeLane{}
		w.sessions[session] = lane
	}
	if !lane.busy {
		lane.busy = true
		w.mu.Unlock()
		return nil
	}

	ticket := make(chan struct{})
	lane.queue = append(lane.queue, ticket)
	lane.waiting++
	if lane.waiting > lane.maxWaiting {
		lane.maxWaiting = lane.waiting
	}
	w.waitingWrites++
	w.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		w.abandonTicket(session, ticket)
		return ctx.Err()
	}
}

func (w *WriteLanes) abandonTicket(session string, ticket chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lane := w.sessions[session]
	if lane == nil {
		return
	}
	for i, waiting := range lane.queue {
		if waiting == ticket {
			lane.queue = append(lane.queue[:i], lane.queue[i+1:]...)
			lane.waiting--
			w.waitingWrites--
			return
		}
	}
	// The ticket was already granted between ctx.Done and here; pass the
	// lane on so it is not leaked.
	select {
	case <-ticket:
		w.releaseLaneLocked(session)
	default:
	}
}

func (w *WriteLanes) releaseLane(session string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseLaneLocked(session)
}

func (w *WriteLanes) releaseLaneLocked(session string) {
	lane := w.sessions[session]
	if lane == nil {
		return
	}
	if len(lane.queue) > 0 {
		next := lane.queue[0]
		lane.queue = lane.queue[1:]
		lane.waiting--
		w.waitingWrites--
		close(next)
		return
	}
	lane.busy = false
}

// Status snapshots the coordinator state.
func (w *WriteLanes) Status() LaneStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	status := LaneStatus{
		GlobalConcurrency: w.concurrency,
		Active:            w.activeWrites,
		Waiting:           w.waitingWrites,
		Sessions:          make(map[string]SessionStatus, len(w.sessions)),
	}
	for name, lane := range w.sessions {
		status.Sessions[name] = SessionStatus{
			Waiting:    lane.waiting,
			MaxWaiting: lane.maxWaiting,
			Busy:       lane.busy,
		}
	}
	return status
}
