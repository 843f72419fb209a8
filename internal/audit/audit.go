// Package audit appends an operator-reviewable JSONL trail of every
// remediation action the engine executes against a device.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	IncidentID string `json:"incident_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	DeviceID   string `json:"device_id"`
	Action     string `json:"action"`
	Command    string `json:"command,omitempty"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	Rollback   bool   `json:"rollback,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	actionCount   atomic.Int64
	rollbackCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ActionCount returns the total remediation actions recorded since startup.
func ActionCount() int64 {
	return actionCount.Load()
}

// RollbackCount returns the total rollback actions recorded since startup.
func RollbackCount() int64 {
	return rollbackCount.Load()
}

// Action describes one executed remediation step for the audit trail.
type Action struct {
	IncidentID string
	TaskID     string
	DeviceID   string
	Action     string
	Command    string
	Outcome    string
	Detail     string
	Rollback   bool
}

func Record(a Action) {
	actionCount.Add(1)
	if a.Rollback {
		rollbackCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		IncidentID: a.IncidentID,
		TaskID:     a.TaskID,
		DeviceID:   a.DeviceID,
		Action:     a.Action,
		Command:    a.Command,
		Outcome:    a.Outcome,
		Detail:     a.Detail,
		Rollback:   a.Rollback,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
