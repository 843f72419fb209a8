// Package orchestrator is the task orchestration core: a priority-lane
// queue, a typed agent roster, a tick-driven dispatch loop and the
// per-capability execution handlers that chain monitoring into diagnosis,
// remediation and verification.
package orchestrator

import (
	"fmt"
	"time"
)

// TaskType names the unit of work a task carries.
type TaskType string

const (
	TaskMonitor   TaskType = "monitor"
	TaskAnalyze   TaskType = "analyze"
	TaskDiagnose  TaskType = "diagnose"
	TaskRemediate TaskType = "remediate"
	TaskVerify    TaskType = "verify"
	TaskLearn     TaskType = "learn"
)

// Priority selects the queue lane. Lanes drain in strict order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// laneOrder is the strict dispatch order across lanes.
var laneOrder = [...]Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// ValidPriority reports whether p is one of the four lanes.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// AgentType is a worker capability.
type AgentType string

const (
	AgentMonitor      AgentType = "monitor"
	AgentAnomaly      AgentType = "anomaly"
	AgentRootCause    AgentType = "rootcause"
	AgentRemediation  AgentType = "remediation"
	AgentVerification AgentType = "verification"
	AgentLearning     AgentType = "learning"
	AgentTelemetry    AgentType = "telemetry"
	AgentCompliance   AgentType = "compliance"
)

// AgentStatus is the worker lifecycle state. The error status exists for
// external health reporting; the dispatch loop never sets it.
type AgentStatus string

const (
	AgentStatusActive     AgentStatus = "active"
	AgentStatusProcessing AgentStatus = "processing"
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusError      AgentStatus = "error"
)

// ParseAgentType validates a configured agent type string.
func ParseAgentType(s string) (AgentType, error) {
	switch t := AgentType(s); t {
	case AgentMonitor, AgentAnomaly, AgentRootCause, AgentRemediation,
		AgentVerification, AgentLearning, AgentTelemetry, AgentCompliance:
		return t, nil
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

// CapabilitiesFor maps a task type to the agent capabilities allowed to run
// it. The mapping is closed; an unknown task type gets no capabilities and
// therefore never dispatches.
func CapabilitiesFor(t TaskType) []AgentType {
	switch t {
	case TaskMonitor:
		return []AgentType{AgentMonitor, AgentTelemetry}
	case TaskAnalyze:
		return []AgentType{AgentAnomaly, AgentMonitor}
	case TaskDiagnose:
		return []AgentType{AgentRootCause}
	case TaskRemediate:
		return []AgentType{AgentRemediation}
	case TaskVerify:
		return []AgentType{AgentVerification, AgentCompliance}
	case TaskLearn:
		return []AgentType{AgentLearning}
	default:
		return nil
	}
}

// Task is a unit of work moving through the lanes.
type Task struct {
	ID           string         `json:"id"`
	Type         TaskType       `json:"type"`
	Priority     Priority       `json:"priority"`
	Status       TaskStatus     `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	RetryCount   int            `json:"retryCount"`
	MaxRetries   int            `json:"maxRetries"`
	IncidentID   string         `json:"incidentId,omitempty"`
	DeviceIDs    []string       `json:"deviceIds,omitempty"`
	ParentTaskID string         `json:"parentTaskId,omitempty"`
	AgentID      string         `json:"agentId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	AssignedAt   *time.Time     `json:"assignedAt,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// Agent is a typed worker in the roster.
type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Type           AgentType   `json:"type"`
	Status         AgentStatus `json:"status"`
	CurrentTaskID  string      `json:"currentTaskId,omitempty"`
	ProcessedTasks int         `json:"processedTasks"`
	SuccessRate    int         `json:"successRate"`
	LastActiveAt   time.Time   `json:"lastActiveAt"`
	HeartbeatSec   int         `json:"heartbeatSec"`
}

// Execution records one task's run on an agent. A retried task keeps its
// original execution record; retry attempts append to the same log.
type Execution struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"taskId"`
	AgentID     string     `json:"agentId"`
	Status      TaskStatus `json:"status"`
	Logs        []string   `json:"logs"`
	Confidence  int        `json:"confidence"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`
}

// EventKind classifies event log entries.
type EventKind string

const (
	EventTaskStarted   EventKind = "task_started"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"
	EventStatusChange  EventKind = "status_change"
)

// Event is one append-only record in the bounded event log.
type Event struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	TaskID    string         `json:"taskId,omitempty"`
	Kind      EventKind      `json:"kind"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
