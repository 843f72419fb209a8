// Package bus provides the in-process pub/sub channel that fans
// orchestrator and workflow events out to stream consumers.
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 128

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Task event topics.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskAssigned  = "task.assigned"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskRetrying  = "task.retrying"
)

// Agent, incident and device event topics.
const (
	TopicAgentStatusChanged   = "agent.status_changed"
	TopicIncidentStageChanged = "incident.stage_changed"
	TopicIncidentResolved     = "incident.resolved"
	TopicDeviceStatusChanged  = "device.status_changed"
)

// TaskEvent is published on every task lifecycle transition.
type TaskEvent struct {
	TaskID     string
	Type       string
	Priority   string
	AgentID    string
	IncidentID string
	Attempt    int
	Error      string
	// Result carries the handler's result map on task.completed events.
	Result map[string]any
	At     time.Time
}

// AgentStatusEvent is published when an agent moves between idle and processing.
type AgentStatusEvent struct {
	AgentID     string
	AgentType   string
	OldStatus   string
	NewStatus   string
	CurrentTask string
}

// IncidentStageEvent is published when a workflow advances to a new stage.
type IncidentStageEvent struct {
	IncidentID string
	OldStage   string
	NewStage   string
	At         time.Time
}

// DeviceStatusEvent is published when telemetry moves a device between health states.
type DeviceStatusEvent struct {
	DeviceID  string
	OldStatus string
	NewStatus string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. Delivery is buffered and non-blocking;
// slow consumers miss events rather than stalling publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
