package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.TasksDispatched == nil {
		t.Error("TasksDispatched is nil")
	}
	if m.TaskRetries == nil {
		t.Error("TaskRetries is nil")
	}
	if m.TaskFailures == nil {
		t.Error("TaskFailures is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.AgentsBusy == nil {
		t.Error("AgentsBusy is nil")
	}
	if m.IncidentTransitions == nil {
		t.Error("IncidentTransitions is nil")
	}
	if m.RemediationActions == nil {
		t.Error("RemediationActions is nil")
	}
	if m.RollbacksTriggered == nil {
		t.Error("RollbacksTriggered is nil")
	}
	if m.EventsAppended == nil {
		t.Error("EventsAppended is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter; metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
