package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/netmend/internal/playbook"
	"github.com/basket/netmend/internal/storage"
)

type fakeDevices struct {
	devices []storage.Device
	health  storage.SystemHealth
	trends  map[string][]storage.MetricSample
}

func (f *fakeDevices) ListDevices(ctx context.Context) ([]storage.Device, error) {
	return f.devices, nil
}

func (f *fakeDevices) GetSystemHealth(ctx context.Context) (storage.SystemHealth, error) {
	return f.health, nil
}

func (f *fakeDevices) MetricTrends(ctx context.Context, deviceID string, limit int) ([]storage.MetricSample, error) {
	return f.trends[deviceID], nil
}

type fakeIncidents struct {
	mu        sync.Mutex
	incidents map[string]storage.Incident
}

func (f *fakeIncidents) GetIncident(ctx context.Context, id string) (storage.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return storage.Incident{}, storage.ErrNotFound
	}
	return inc, nil
}

func (f *fakeIncidents) CreateIncident(ctx context.Context, inc storage.Incident) (storage.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incidents == nil {
		f.incidents = make(map[string]storage.Incident)
	}
	if inc.ID == "" {
		inc.ID = fmt.Sprintf("inc-fake-%d", len(f.incidents)+1)
	}
	f.incidents[inc.ID] = inc
	return inc, nil
}

func (f *fakeIncidents) ListIncidents(ctx context.Context, status string, limit int) ([]storage.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Incident
	for _, inc := range f.incidents {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

type fakeControl struct {
	mu       sync.Mutex
	commands []string
	reloads  []string
	failWith error
}

func (f *fakeControl) ReloadDevice(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads = append(f.reloads, deviceID)
	return f.failWith
}

func (f *fakeControl) RunCommand(ctx context.Context, deviceID, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.failWith != nil {
		return "", f.failWith
	}
	return "ok", nil
}

func (f *fakeControl) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func healthyFleet() *fakeDevices {
	return &fakeDevices{
		devices: []storage.Device{
			{ID: "sw-01", Status: "healthy"},
			{ID: "sw-02", Status: "healthy"},
		},
		health: storage.SystemHealth{
			TotalDevices: 2, Healthy: 2, HealthyRatio: 1.0,
			AvgCPUPercent: 30, AvgMemoryPercent: 40, AvgLatencyMs: 12,
		},
		trends: map[string][]storage.MetricSample{},
	}
}

func TestHandleMonitor_EnqueuesBoundedFollowUps(t *testing.T) {
	devices := &fakeDevices{devices: []storage.Device{
		{ID: "sw-01", Status: "critical"},
		{ID: "sw-02", Status: "degraded"},
		{ID: "sw-03", Status: "offline"},
		{ID: "sw-04", Status: "degraded"},
		{ID: "sw-05", Status: "healthy"},
	}}
	roster := []Agent{{ID: "monitor-01", Name: "Monitor", Type: AgentMonitor}}
	o := testOrchestrator(t, Config{}, Collaborators{Devices: devices}, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{Type: TaskMonitor, Priority: PriorityMedium})
	got := waitTask(t, o, task.ID, TaskStatusCompleted)

	if got.Result["devicesChecked"] != 5 {
		t.Fatalf("devicesChecked = %v, want 5", got.Result["devicesChecked"])
	}
	if got.Result["followUps"] != 3 {
		t.Fatalf("followUps = %v, want 3 (4 unhealthy, capped at 3)", got.Result["followUps"])
	}

	analyze := 0
	for _, task := range o.ListTasks() {
		if task.Type == TaskAnalyze {
			analyze++
			if task.Priority != PriorityHigh {
				t.Errorf("follow-up priority = %s, want high", task.Priority)
			}
			if task.ParentTaskID != got.ID {
				t.Errorf("follow-up parent = %q, want %s", task.ParentTaskID, got.ID)
			}
		}
	}
	if analyze != 3 {
		t.Fatalf("analyze follow-ups = %d, want 3", analyze)
	}
}

func TestHandleAnomaly_Thresholds(t *testing.T) {
	devices := healthyFleet()
	devices.trends["sw-01"] = []storage.MetricSample{
		{DeviceID: "sw-01", CPUPercent: 95, LatencyMs: 250},
	}
	devices.trends["sw-02"] = []storage.MetricSample{
		{DeviceID: "sw-02", CPUPercent: 40, LatencyMs: 20},
	}
	roster := []Agent{{ID: "anomaly-01", Name: "Anomaly", Type: AgentAnomaly}}
	o := testOrchestrator(t, Config{}, Collaborators{Devices: devices}, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{Type: TaskAnalyze, Priority: PriorityHigh})
	got := waitTask(t, o, task.ID, TaskStatusCompleted)

	anomalies, ok := got.Result["anomalies"].([]map[string]any)
	if !ok {
		t.Fatalf("anomalies type %T", got.Result["anomalies"])
	}
	if len(anomalies) != 2 {
		t.Fatalf("anomalies = %d, want 2 (cpu and latency on sw-01)", len(anomalies))
	}
	for _, a := range anomalies {
		if a["deviceId"] != "sw-01" {
			t.Errorf("anomaly on %v, want sw-01", a["deviceId"])
		}
	}
}

func TestHandleAnomaly_OpensIncidentAndTriggersAnalysis(t *testing.T) {
	devices := healthyFleet()
	devices.trends["sw-01"] = []storage.MetricSample{
		{DeviceID: "sw-01", CPUPercent: 95},
	}
	incidents := &fakeIncidents{}
	roster := []Agent{
		{ID: "anomaly-01", Name: "Anomaly", Type: AgentAnomaly},
		{ID: "rootcause-01", Name: "RCA", Type: AgentRootCause},
	}
	o := testOrchestrator(t, Config{}, Collaborators{Devices: devices, Incidents: incidents}, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{Type: TaskAnalyze, Priority: PriorityHigh})
	got := waitTask(t, o, task.ID, TaskStatusCompleted)

	opened, ok := got.Result["incidentsOpened"].([]string)
	if !ok || len(opened) != 1 {
		t.Fatalf("incidentsOpened = %v, want one incident", got.Result["incidentsOpened"])
	}
	inc, err := incidents.GetIncident(ctx, opened[0])
	if err != nil {
		t.Fatalf("opened incident not stored: %v", err)
	}
	if inc.DeviceID != "sw-01" || inc.Status != "detection" {
		t.Fatalf("incident = %+v", inc)
	}

	// The chained diagnose classifies the cpu anomaly against the knowledge base.
	var diagnose Task
	for _, candidate := range o.ListTasks() {
		if candidate.Type == TaskDiagnose && candidate.IncidentID == inc.ID {
			diagnose = candidate
		}
	}
	if diagnose.ID == "" {
		t.Fatal("no diagnose task chained for the opened incident")
	}
	done := waitTask(t, o, diagnose.ID, TaskStatusCompleted)
	if done.Result["faultType"] != "cpu_spike" {
		t.Fatalf("faultType = %v, want cpu_spike", done.Result["faultType"])
	}

	// A second sweep must not open a duplicate for the same device.
	again, _ := o.CreateTask(ctx, TaskOptions{Type: TaskAnalyze, Priority: PriorityHigh})
	rerun := waitTask(t, o, again.ID, TaskStatusCompleted)
	if _, dup := rerun.Result["incidentsOpened"]; dup {
		t.Fatal("second sweep opened a duplicate incident")
	}
}

func TestHandleDiagnose_HighConfidenceChainsRemediation(t *testing.T) {
	devices := healthyFleet()
	devices.devices[0].Status = "critical" // sw-01 corroborates
	incidents := &fakeIncidents{incidents: map[string]storage.Incident{
		"inc-1": {
			ID: "inc-1", Title: "Link failure on sw-01 uplink",
			Description: "interface down, carrier loss", Severity: "critical",
			DeviceID: "sw-01",
		},
	}}
	roster := []Agent{{ID: "rootcause-01", Name: "RCA", Type: AgentRootCause}}
	deps := Collaborators{
		Devices:   devices,
		Incidents: incidents,
		Playbooks: playbook.NewCatalog(),
	}
	o := testOrchestrator(t, Config{ConfidenceThreshold: 80, AutoRemediate: true}, deps, roster)
	ctx := context.Background()

	task, err := o.TriggerIncidentAnalysis(ctx, "inc-1")
	if err != nil {
		t.Fatalf("TriggerIncidentAnalysis: %v", err)
	}
	if task.Priority != PriorityCritical {
		t.Fatalf("critical incident diagnosed at %s, want critical lane", task.Priority)
	}

	got := waitTask(t, o, task.ID, TaskStatusCompleted)
	if got.Result["faultType"] != "link_failure" {
		t.Fatalf("faultType = %v, want link_failure", got.Result["faultType"])
	}
	// Pattern match plus device corroboration: 50 + 2*15 = 80.
	if got.Result["confidence"] != 80 {
		t.Fatalf("confidence = %v, want 80", got.Result["confidence"])
	}
	if got.Result["playbookId"] != "pb-link-restore" {
		t.Fatalf("playbookId = %v, want pb-link-restore", got.Result["playbookId"])
	}
	if got.Result["method"] != "fault_profile_classification" {
		t.Fatalf("method = %v", got.Result["method"])
	}
	findings, ok := got.Result["evidence"].([]string)
	if !ok || len(findings) != 2 {
		t.Fatalf("evidence = %v, want profile match plus device corroboration", got.Result["evidence"])
	}

	remediateID, ok := got.Result["remediationTaskId"].(string)
	if !ok {
		t.Fatal("no remediation task chained at threshold confidence")
	}
	rem, ok := o.GetTask(remediateID)
	if !ok {
		t.Fatal("chained remediation task not found")
	}
	if rem.Priority != PriorityHigh || rem.IncidentID != "inc-1" || rem.ParentTaskID != got.ID {
		t.Fatalf("remediation task = %+v", rem)
	}

	exec, _ := o.ExecutionForTask(task.ID)
	if exec.Confidence != 80 {
		t.Fatalf("execution confidence = %d, want 80", exec.Confidence)
	}
}

func TestHandleDiagnose_LowConfidenceStops(t *testing.T) {
	incidents := &fakeIncidents{incidents: map[string]storage.Incident{
		"inc-2": {ID: "inc-2", Title: "Something odd", Description: "no clear symptom", Severity: "medium"},
	}}
	roster := []Agent{{ID: "rootcause-01", Name: "RCA", Type: AgentRootCause}}
	o := testOrchestrator(t, Config{AutoRemediate: true}, Collaborators{Incidents: incidents}, roster)
	ctx := context.Background()

	task, _ := o.TriggerIncidentAnalysis(ctx, "inc-2")
	if task.Priority != PriorityHigh {
		t.Fatalf("non-critical incident diagnosed at %s, want high", task.Priority)
	}
	got := waitTask(t, o, task.ID, TaskStatusCompleted)

	if got.Result["faultType"] != "unknown" {
		t.Fatalf("faultType = %v, want unknown", got.Result["faultType"])
	}
	if got.Result["confidence"] != 50 {
		t.Fatalf("confidence = %v, want base 50", got.Result["confidence"])
	}
	if _, chained := got.Result["remediationTaskId"]; chained {
		t.Fatal("low-confidence diagnosis chained a remediation task")
	}
}

func TestHandleRemediate_RunsPlaybookAndChainsVerify(t *testing.T) {
	incidents := &fakeIncidents{incidents: map[string]storage.Incident{
		"inc-1": {
			ID: "inc-1", Title: "Link failure on sw-01", Description: "link down",
			Severity: "critical", DeviceID: "sw-01",
		},
	}}
	control := &fakeControl{}
	roster := []Agent{{ID: "remediation-01", Name: "Fixer", Type: AgentRemediation}}
	deps := Collaborators{
		Incidents: incidents,
		Control:   control,
		Playbooks: playbook.NewCatalog(),
	}
	o := testOrchestrator(t, Config{}, deps, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{
		Type: TaskRemediate, Priority: PriorityHigh,
		IncidentID: "inc-1", DeviceIDs: []string{"sw-01"},
		Payload: map[string]any{"faultType": "link_failure"},
	})
	got := waitTask(t, o, task.ID, TaskStatusCompleted)

	// pb-link-restore carries three commanded steps.
	if control.commandCount() != 3 {
		t.Fatalf("commands executed = %d, want 3", control.commandCount())
	}
	if got.Result["actionsExecuted"] != 3 {
		t.Fatalf("actionsExecuted = %v, want 3", got.Result["actionsExecuted"])
	}

	verifyID, ok := got.Result["verifyTaskId"].(string)
	if !ok {
		t.Fatal("no verification task chained")
	}
	verify, _ := o.GetTask(verifyID)
	if verify.Type != TaskVerify || verify.IncidentID != "inc-1" {
		t.Fatalf("chained verify = %+v", verify)
	}
	if verify.Payload["faultType"] != "link_failure" {
		t.Fatalf("verify payload faultType = %v", verify.Payload["faultType"])
	}
}

func TestHandleRemediate_ControlFailureIsCaught(t *testing.T) {
	incidents := &fakeIncidents{incidents: map[string]storage.Incident{
		"inc-1": {ID: "inc-1", Title: "Link failure", Description: "link down", Severity: "critical", DeviceID: "sw-01"},
	}}
	control := &fakeControl{failWith: errors.New("device unreachable")}
	roster := []Agent{{ID: "remediation-01", Name: "Fixer", Type: AgentRemediation}}
	deps := Collaborators{Incidents: incidents, Control: control, Playbooks: playbook.NewCatalog()}
	o := testOrchestrator(t, Config{}, deps, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{
		Type: TaskRemediate, Priority: PriorityHigh, IncidentID: "inc-1",
	})

	// A failing device never fails the task; the outcome is recorded instead.
	got := waitTask(t, o, task.ID, TaskStatusCompleted)
	actions, ok := got.Result["actions"].([]map[string]any)
	if !ok || len(actions) == 0 {
		t.Fatalf("actions = %v", got.Result["actions"])
	}
	if actions[0]["outcome"] != "failed" {
		t.Fatalf("first action outcome = %v, want failed", actions[0]["outcome"])
	}
}

func TestHandleVerify_PassAndCongestionDrain(t *testing.T) {
	devices := healthyFleet()
	devices.trends["sw-01"] = []storage.MetricSample{
		{DeviceID: "sw-01", QueueDepth: 500},
		{DeviceID: "sw-01", QueueDepth: 220},
		{DeviceID: "sw-01", QueueDepth: 40},
	}
	roster := []Agent{{ID: "verification-01", Name: "Verifier", Type: AgentVerification}}
	o := testOrchestrator(t, Config{}, Collaborators{Devices: devices}, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{
		Type: TaskVerify, Priority: PriorityHigh,
		DeviceIDs: []string{"sw-01"},
		Payload:   map[string]any{"faultType": "port_congestion"},
	})
	got := waitTask(t, o, task.ID, TaskStatusCompleted)

	if got.Result["passed"] != true {
		t.Fatalf("passed = %v, want true", got.Result["passed"])
	}
	checks, ok := got.Result["checks"].(map[string]bool)
	if !ok {
		t.Fatalf("checks type %T", got.Result["checks"])
	}
	if !checks["queueDrained"] {
		t.Fatal("queueDrained check missing or false despite draining trend")
	}
	comparisons, ok := got.Result["metricsComparison"].(map[string]map[string]float64)
	if !ok {
		t.Fatalf("metricsComparison type %T", got.Result["metricsComparison"])
	}
	qd, ok := comparisons["queueDepth"]
	if !ok {
		t.Fatal("no queueDepth comparison recorded")
	}
	if qd["before"] != 500 || qd["after"] != 40 {
		t.Fatalf("queueDepth comparison = %v, want before 500 after 40", qd)
	}
	if qd["deviation"] != -460 {
		t.Fatalf("queueDepth deviation = %v, want -460", qd["deviation"])
	}
}

func TestHandleVerify_UnhealthyFleetExhaustsRetries(t *testing.T) {
	devices := healthyFleet()
	devices.health.AvgCPUPercent = 92
	devices.health.HealthyRatio = 0.5
	roster := []Agent{{ID: "verification-01", Name: "Verifier", Type: AgentVerification}}
	o := testOrchestrator(t, Config{MaxRetries: 1}, Collaborators{Devices: devices}, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{Type: TaskVerify, Priority: PriorityHigh})
	got := waitTask(t, o, task.ID, TaskStatusFailed)

	if got.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", got.RetryCount)
	}
	if got.Error == "" {
		t.Fatal("terminal verification failure carries no error")
	}
}

func TestVerifyFailureRollsBackRemediation(t *testing.T) {
	incidents := &fakeIncidents{incidents: map[string]storage.Incident{
		"inc-1": {
			ID: "inc-1", Title: "Link failure on sw-01", Description: "link down",
			Severity: "critical", DeviceID: "sw-01",
		},
	}}
	devices := healthyFleet()
	devices.health.HealthyRatio = 0.4
	control := &fakeControl{}
	roster := []Agent{
		{ID: "remediation-01", Name: "Fixer", Type: AgentRemediation},
		{ID: "verification-01", Name: "Verifier", Type: AgentVerification},
	}
	deps := Collaborators{Incidents: incidents, Devices: devices, Control: control, Playbooks: playbook.NewCatalog()}
	o := testOrchestrator(t, Config{MaxRetries: 0}, deps, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{
		Type: TaskRemediate, Priority: PriorityHigh,
		IncidentID: "inc-1", DeviceIDs: []string{"sw-01"},
	})
	rem := waitTask(t, o, task.ID, TaskStatusCompleted)

	verifyID, _ := rem.Result["verifyTaskId"].(string)
	if verifyID == "" {
		t.Fatal("no verification task chained")
	}
	waitTask(t, o, verifyID, TaskStatusFailed)

	// pb-link-restore declares one rollback-capable step; its rollback runs
	// after the terminal verification failure, newest action first.
	deadline := time.Now().Add(2 * time.Second)
	for control.commandCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	control.mu.Lock()
	cmds := append([]string(nil), control.commands...)
	control.mu.Unlock()
	if len(cmds) != 4 {
		t.Fatalf("commands = %v, want 3 playbook steps plus 1 rollback", cmds)
	}
	if cmds[3] != "restore_primary_route" {
		t.Fatalf("rollback command = %q, want restore_primary_route", cmds[3])
	}
}

func TestHandleCompliance_FlagsOffPolicyDevices(t *testing.T) {
	devices := &fakeDevices{devices: []storage.Device{
		{ID: "sw-01", Status: "healthy"},
		{ID: "sw-02", Status: "offline"},
		{ID: "sw-03", Status: "critical"},
	}}
	roster := []Agent{{ID: "compliance-01", Name: "Auditor", Type: AgentCompliance}}
	o := testOrchestrator(t, Config{}, Collaborators{Devices: devices}, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{Type: TaskVerify, Priority: PriorityLow})
	got := waitTask(t, o, task.ID, TaskStatusCompleted)

	if got.Result["compliant"] != false {
		t.Fatalf("compliant = %v, want false", got.Result["compliant"])
	}
	violations, _ := got.Result["violations"].([]string)
	if len(violations) != 2 {
		t.Fatalf("violations = %v, want sw-02 and sw-03", violations)
	}
}

func TestHandleTelemetry_Aggregates(t *testing.T) {
	devices := healthyFleet()
	roster := []Agent{{ID: "telemetry-01", Name: "Collector", Type: AgentTelemetry}}
	o := testOrchestrator(t, Config{}, Collaborators{Devices: devices}, roster)
	ctx := context.Background()

	task, _ := o.CreateTask(ctx, TaskOptions{Type: TaskMonitor, Priority: PriorityLow})
	got := waitTask(t, o, task.ID, TaskStatusCompleted)

	if got.Result["sampled"] != true {
		t.Fatalf("sampled = %v, want true", got.Result["sampled"])
	}
	if got.Result["totalDevices"] != 2 {
		t.Fatalf("totalDevices = %v, want 2", got.Result["totalDevices"])
	}
}
