package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// eventLog is the bounded, append-only transition record. When the cap is
// exceeded the oldest half is discarded, keeping the most recent entries.
type eventLog struct {
	mu     sync.Mutex
	cap    int
	events []Event
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &eventLog{cap: capacity}
}

// append records an event and enforces the retention cap.
func (l *eventLog) append(agentID, taskID string, kind EventKind, message string, data map[string]any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		TaskID:    taskID,
		Kind:      kind,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > l.cap {
		keep := l.cap / 2
		l.events = append([]Event(nil), l.events[len(l.events)-keep:]...)
	}
	return ev
}

// recent returns the most recent limit events in chronological order.
func (l *eventLog) recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]Event, limit)
	copy(out, l.events[len(l.events)-limit:])
	return out
}

func (l *eventLog) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
