package runtime

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/untoldecay/engram/internal/config"
)

// FlushEvent is one unit of session activity tracked for auto-flush.
type FlushEvent struct {
	Operation string
	Text      string
	At        time.Time
}

// FlushSummary is the durable digest built when a session trips the
// flush threshold.
type FlushSummary struct {
	SessionID  string
	EventCount int
	CharCount  int
	Text       string
	From       time.Time
	To         time.Time
}

type flushLane struct {
	events []FlushEvent
	chars  int
}

// FlushTracker accumulates per-session activity and decides when the
// backlog is large enough to summarize into a durable memory.
type FlushTracker struct {
	mu       sync.Mutex
	sessions map[string]*flushLane

	triggerChars int
	minEvents    int
	maxEvents    int
}

// NewFlushTracker reads thresholds from configuration.
func NewFlushTracker() *FlushTracker {
	return &FlushTracker{
		sessions:     make(map[string]*flushLane),
		triggerChars: config.GetIntMin("runtime.flush-trigger-chars", 1),
		minEvents:    config.GetIntMin("runtime.flush-min-events", 1),
		maxEvents:    config.GetIntMin("runtime.flush-max-events", 1),
	}
}

// Record adds one event. The per-session deque is bounded: when full, the
// oldest event is dropped so the backlog keeps its most recent window.
func (f *FlushTracker) Record(sessionID, operation, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	session := normalizeSession(sessionID)

	f.mu.Lock()
	defer f.mu.Unlock()

	lane := f.sessions[session]
	if lane == nil {
		lane = &flushLane{}
		f.sessions[session] = lane
	}
	if len(lane.events) >= f.maxEvents {
		lane.chars -= len(lane.events[0].Text)
		lane.events = lane.events[1:]
	}
	lane.events = append(lane.events, FlushEvent{Operation: operation, Text: text, At: time.Now().UTC()})
	lane.chars += len(text)
}

// ShouldFlush reports whether the session backlog crossed both the char
// and event thresholds.
func (f *FlushTracker) ShouldFlush(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	lane := f.sessions[normalizeSession(sessionID)]
	return lane != nil && lane.chars >= f.triggerChars && len(lane.events) >= f.minEvents
}

// Drain consumes the session backlog and renders a flush summary. Returns
// nil when there is nothing to flush.
func (f *FlushTracker) Drain(sessionID string) *FlushSummary {
	session := normalizeSession(sessionID)

	f.mu.Lock()
	lane := f.sessions[session]
	if lane == nil || len(lane.events) == 0 {
		f.mu.Unlock()
		return nil
	}
	events := lane.events
	chars := lane.chars
	delete(f.sessions, session)
	f.mu.Unlock()

	var builder strings.Builder
	fmt.Fprintf(&builder, "Session %s activity digest (%d events):\n", session, len(events))
	for _, event := range events {
		line := event.Text
		if runes := []rune(line); len(runes) > 200 {
			line = string(runes[:200])
		}
		fmt.Fprintf(&builder, "- [%s] %s\n", event.Operation, line)
	}

	return &FlushSummary{
		SessionID:  session,
		EventCount: len(events),
		CharCount:  chars,
		Text:       strings.TrimRight(builder.String(), "\n"),
		From:       events[0].At,
		To:         events[len(events)-1].At,
	}
}

// Pending reports the current backlog size for one session.
func (f *FlushTracker) Pending(sessionID string) (events, chars int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lane := f.sessions[normalizeSession(sessionID)]
	if lane == nil {
		return 0, 0
	}
	return len(lane.events), lane.chars
}
