package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/netmend/internal/audit"
	"github.com/basket/netmend/internal/storage"
)

// maxFollowUps bounds the fan-out of tasks a single handler run may enqueue.
const maxFollowUps = 3

// runHandler executes the task under the capability of its assigned agent.
// The same task type can land on different agent types; the agent decides
// the work actually performed.
func (o *Orchestrator) runHandler(ctx context.Context, t *Task, agentType AgentType, exec *Execution) (map[string]any, error) {
	if msg, ok := t.Payload["simulateFailure"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}

	switch agentType {
	case AgentMonitor:
		return o.handleMonitor(ctx, t, exec)
	case AgentTelemetry:
		return o.handleTelemetry(ctx, t, exec)
	case AgentAnomaly:
		return o.handleAnomaly(ctx, t, exec)
	case AgentRootCause:
		return o.handleDiagnose(ctx, t, exec)
	case AgentRemediation:
		return o.handleRemediate(ctx, t, exec)
	case AgentVerification:
		return o.handleVerify(ctx, t, exec)
	case AgentCompliance:
		return o.handleCompliance(ctx, t, exec)
	case AgentLearning:
		return o.handleLearn(ctx, t, exec)
	}
	return nil, fmt.Errorf("no handler for agent type %q", agentType)
}

// handleMonitor sweeps the device inventory and enqueues high-priority
// analyze follow-ups for unhealthy devices, at most maxFollowUps per sweep.
func (o *Orchestrator) handleMonitor(ctx context.Context, t *Task, exec *Execution) (map[string]any, error) {
	if o.deps.Devices == nil {
		o.execLog(exec, "no device provider wired, sweep skipped")
		return map[string]any{"devicesChecked": 0}, nil
	}

	devices, err := o.deps.Devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var unhealthy []string
	for _, d := range devices {
		if d.Status != "healthy" {
			unhealthy = append(unhealthy, d.ID)
		}
	}
	o.execLog(exec, "swept %d devices, %d unhealthy", len(devices), len(unhealthy))

	followUps := 0
	for _, id := range unhealthy {
		if followUps >= maxFollowUps {
			break
		}
		_, err := o.CreateTask(ctx, TaskOptions{
			Type:         TaskAnalyze,
			Priority:     PriorityHigh,
			DeviceIDs:    []string{id},
			ParentTaskID: t.ID,
			Payload:      map[string]any{"reason": "monitor sweep flagged device"},
		})
		if err != nil {
			o.execLog(exec, "follow-up for %s not enqueued: %v", id, err)
			continue
		}
		followUps++
	}

	return map[string]any{
		"devicesChecked": len(devices),
		"unhealthy":      unhealthy,
		"followUps":      followUps,
	}, nil
}

// handleTelemetry samples system-wide aggregates. Read-only.
func (o *Orchestrator) handleTelemetry(ctx context.Context, t *Task, exec *Execution) (map[string]any, error) {
	if o.deps.Devices == nil {
		return map[string]any{"sampled": false}, nil
	}
	health, err := o.deps.Devices.GetSystemHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("system health: %w", err)
	}
	o.execLog(exec, "sampled fleet: %d devices, %.0f%% avg cpu, %.1fms avg latency",
		health.TotalDevices, health.AvgCPUPercent, health.AvgLatencyMs)
	return map[string]any{
		"sampled":       true,
		"totalDevices":  health.TotalDevices,
		"healthy":       health.Healthy,
		"degraded":      health.Degraded,
		"critical":      health.Critical,
		"offline":       health.Offline,
		"avgCpuPercent": health.AvgCPUPercent,
		"avgLatencyMs":  health.AvgLatencyMs,
	}, nil
}

// anomaly thresholds over recent metric samples.
const (
	anomalyCPUPercent = 80.0
	anomalyLatencyMs  = 200.0
)

// handleAnomaly scans recent metric trends for the task's devices and
// reports threshold breaches.
func (o *Orchestrator) handleAnomaly(ctx context.Context, t *Task, exec *Execution) (map[string]any, error) {
	if o.deps.Devices == nil {
		return map[string]any{"anomalies": []any{}}, nil
	}

	deviceIDs := t.DeviceIDs
	if len(deviceIDs) == 0 {
		devices, err := o.deps.Devices.ListDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, d := range devices {
			deviceIDs = append(deviceIDs, d.ID)
		}
	}

	var anomalies []map[string]any
	for _, id := range deviceIDs {
		samples, err := o.deps.Devices.MetricTrends(ctx, id, 10)
		if err != nil {
			o.execLog(exec, "trends for %s unavailable: %v", id, err)
			continue
		}
		if len(samples) == 0 {
			continue
		}
		last := samples[len(samples)-1]
		if last.CPUPercent > anomalyCPUPercent {
			anomalies = append(anomalies, map[string]any{
				"deviceId": id, "metric": "cpu_percent", "value": last.CPUPercent,
			})
		}
		if last.LatencyMs > anomalyLatencyMs {
			anomalies = append(anomalies, map[string]any{
				"deviceId": id, "metric": "latency_ms", "value": last.LatencyMs,
			})
		}
	}
	o.execLog(exec, "analyzed %d devices, %d anomalies", len(deviceIDs), len(anomalies))

	result := map[string]any{
		"devicesAnalyzed": len(deviceIDs),
		"anomalies":       anomalies,
	}
	if opened := o.openIncidents(ctx, exec, anomalies); len(opened) > 0 {
		result["incidentsOpened"] = opened
	}
	return result, nil
}

// openIncidents raises an incident per anomalous device that has none open
// and triggers analysis on each, at most maxFollowUps per sweep.
func (o *Orchestrator) openIncidents(ctx context.Context, exec *Execution, anomalies []map[string]any) []string {
	if o.deps.Incidents == nil || len(anomalies) == 0 {
		return nil
	}

	existing, err := o.deps.Incidents.ListIncidents(ctx, "", 200)
	if err != nil {
		o.execLog(exec, "incident dedup unavailable: %v", err)
		return nil
	}
	open := make(map[string]bool)
	for _, inc := range existing {
		if inc.Status != "resolved" && inc.DeviceID != "" {
			open[inc.DeviceID] = true
		}
	}

	var opened []string
	for _, a := range anomalies {
		if len(opened) >= maxFollowUps {
			o.execLog(exec, "incident budget reached, remaining anomalies deferred")
			break
		}
		deviceID, _ := a["deviceId"].(string)
		if deviceID == "" || open[deviceID] {
			continue
		}
		open[deviceID] = true
		metric, _ := a["metric"].(string)
		title, description := anomalyIncidentText(metric, deviceID)
		inc, cerr := o.deps.Incidents.CreateIncident(ctx, storage.Incident{
			Title:       title,
			Description: description,
			Severity:    "high",
			Status:      "detection",
			DeviceID:    deviceID,
		})
		if cerr != nil {
			o.execLog(exec, "incident for %s not created: %v", deviceID, cerr)
			continue
		}
		opened = append(opened, inc.ID)
		o.execLog(exec, "opened incident %s for %s (%s)", inc.ID, deviceID, metric)
		if _, terr := o.TriggerIncidentAnalysis(ctx, inc.ID); terr != nil {
			o.execLog(exec, "analysis for %s not enqueued: %v", inc.ID, terr)
		}
	}
	return opened
}

func anomalyIncidentText(metric, deviceID string) (title, description string) {
	switch metric {
	case "cpu_percent":
		return fmt.Sprintf("High CPU utilization on %s", deviceID),
			"sustained cpu above the anomaly threshold across recent samples"
	case "latency_ms":
		return fmt.Sprintf("Latency degradation on %s", deviceID),
			"round-trip latency above the anomaly threshold across recent samples"
	}
	return fmt.Sprintf("Metric anomaly on %s", deviceID),
		fmt.Sprintf("%s outside its expected range", metric)
}

// handleDiagnose classifies the incident against the fault knowledge base,
// scores a confidence from the corroborating evidence and, when the score
// clears the configured threshold, chains a high-priority remediation task.
func (o *Orchestrator) handleDiagnose(ctx context.Context, t *Task, exec *Execution) (map[string]any, error) {
	if t.IncidentID == "" {
		return nil, errors.New("diagnose task missing incident id")
	}
	if o.deps.Incidents == nil {
		return nil, errors.New("no incident store wired")
	}

	inc, err := o.deps.Incidents.GetIncident(ctx, t.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", t.IncidentID, err)
	}

	profile := classifyFault(inc.Title, inc.Description)
	evidence := 0
	faultType := "unknown"
	method := "manual_triage"
	hypothesis := "no matching fault profile, manual investigation required"
	var causes, commands, findings []string
	recommendation := "escalate to an on-call network engineer"
	if profile != nil {
		evidence++
		faultType = profile.FaultType
		method = "fault_profile_classification"
		hypothesis = profile.Hypothesis
		causes = profile.ProbableCauses
		commands = profile.DiagnosticCmds
		recommendation = profile.Recommendation
		findings = append(findings, fmt.Sprintf("incident text matched the %s profile", faultType))
	}

	// Corroborate against live device state when a device is implicated.
	deviceID := inc.DeviceID
	if deviceID == "" && len(t.DeviceIDs) > 0 {
		deviceID = t.DeviceIDs[0]
	}
	if deviceID != "" && o.deps.Devices != nil {
		devices, derr := o.deps.Devices.ListDevices(ctx)
		if derr == nil {
			for _, d := range devices {
				if d.ID == deviceID && d.Status != "healthy" {
					evidence++
					findings = append(findings, fmt.Sprintf("device %s reports state %s", d.ID, d.Status))
					o.execLog(exec, "device %s state %s corroborates the fault", d.ID, d.Status)
					break
				}
			}
		}
	}

	confidence := confidenceFor(evidence)
	o.setExecConfidence(exec, confidence)
	o.execLog(exec, "classified %s with confidence %d", faultType, confidence)

	result := map[string]any{
		"faultType":      faultType,
		"method":         method,
		"hypothesis":     hypothesis,
		"probableCauses": causes,
		"diagnosticCmds": commands,
		"recommendation": recommendation,
		"confidence":     confidence,
		"evidence":       findings,
	}

	if o.deps.Playbooks != nil {
		if pb := o.deps.Playbooks.Match(inc.Severity, inc.Title, inc.Description); pb != nil {
			result["playbookId"] = pb.ID
			result["playbookName"] = pb.Name
			o.execLog(exec, "matched playbook %s", pb.ID)
		}
	}

	if o.cfg.AutoRemediate && confidence >= o.cfg.ConfidenceThreshold && profile != nil {
		followUp, cerr := o.CreateTask(ctx, TaskOptions{
			Type:         TaskRemediate,
			Priority:     PriorityHigh,
			IncidentID:   inc.ID,
			DeviceIDs:    t.DeviceIDs,
			ParentTaskID: t.ID,
			Payload:      map[string]any{"faultType": faultType},
		})
		if cerr != nil {
			o.execLog(exec, "remediation not enqueued: %v", cerr)
		} else {
			result["remediationTaskId"] = followUp.ID
		}
	}

	return result, nil
}

// handleRemediate executes up to maxFollowUps playbook steps against the
// incident's device. Device control failures are caught and recorded, never
// surfaced as task errors; a verification task always follows.
func (o *Orchestrator) handleRemediate(ctx context.Context, t *Task, exec *Execution) (map[string]any, error) {
	if t.IncidentID == "" {
		return nil, errors.New("remediate task missing incident id")
	}
	if o.deps.Incidents == nil {
		return nil, errors.New("no incident store wired")
	}

	inc, err := o.deps.Incidents.GetIncident(ctx, t.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", t.IncidentID, err)
	}

	deviceID := inc.DeviceID
	if deviceID == "" && len(t.DeviceIDs) > 0 {
		deviceID = t.DeviceIDs[0]
	}

	steps := o.remediationSteps(inc)
	executed := 0
	var actions []map[string]any
	for _, step := range steps {
		if executed >= maxFollowUps {
			o.execLog(exec, "action budget reached, %d steps deferred", len(steps)-executed)
			break
		}
		outcome := "succeeded"
		detail := ""
		if o.deps.Control == nil {
			outcome = "skipped"
			detail = "no device control wired"
		} else if step.command == "" {
			if rerr := o.deps.Control.ReloadDevice(ctx, deviceID); rerr != nil {
				outcome = "failed"
				detail = rerr.Error()
			}
		} else if out, rerr := o.deps.Control.RunCommand(ctx, deviceID, step.command); rerr != nil {
			outcome = "failed"
			detail = rerr.Error()
		} else {
			detail = out
		}

		audit.Record(audit.Action{
			IncidentID: inc.ID,
			TaskID:     t.ID,
			DeviceID:   deviceID,
			Action:     step.action,
			Command:    step.command,
			Outcome:    outcome,
			Detail:     detail,
		})
		if o.metrics != nil {
			o.metrics.RemediationActions.Add(ctx, 1)
		}
		o.execLog(exec, "action %s on %s: %s", step.action, deviceID, outcome)
		actions = append(actions, map[string]any{
			"action": step.action, "command": step.command, "outcome": outcome,
			"risk": step.risk, "rollback": step.rollback, "deviceId": deviceID,
		})
		executed++
		if outcome == "failed" && !step.continueOnFailure {
			o.execLog(exec, "stopping after failed action %s", step.action)
			break
		}
	}

	faultType, _ := t.Payload["faultType"].(string)
	verifyPayload := map[string]any{}
	if faultType != "" {
		verifyPayload["faultType"] = faultType
	}
	verifyTask, verr := o.CreateTask(ctx, TaskOptions{
		Type:         TaskVerify,
		Priority:     PriorityHigh,
		IncidentID:   inc.ID,
		DeviceIDs:    t.DeviceIDs,
		ParentTaskID: t.ID,
		Payload:      verifyPayload,
	})

	result := map[string]any{
		"actionsExecuted": executed,
		"actions":         actions,
	}
	if verr != nil {
		o.execLog(exec, "verification not enqueued: %v", verr)
	} else {
		result["verifyTaskId"] = verifyTask.ID
	}
	return result, nil
}

type remediationStep struct {
	action            string
	command           string
	rollback          string
	risk              string
	continueOnFailure bool
}

// remediationSteps resolves the concrete actions for an incident: the
// matched playbook's steps when one applies, otherwise a conservative
// reload of the affected device.
func (o *Orchestrator) remediationSteps(inc storage.Incident) []remediationStep {
	if o.deps.Playbooks != nil {
		if pb := o.deps.Playbooks.Match(inc.Severity, inc.Title, inc.Description); pb != nil {
			steps := make([]remediationStep, 0, len(pb.Steps))
			for _, s := range pb.Steps {
				rb := s.Rollback
				if rb == "none" {
					rb = ""
				}
				steps = append(steps, remediationStep{
					action:            s.Action,
					command:           s.Command,
					rollback:          rb,
					risk:              pb.RiskLevel,
					continueOnFailure: s.ContinueOnFailure,
				})
			}
			return steps
		}
	}
	return []remediationStep{{action: "reload_device", risk: "low"}}
}

// Verification thresholds over the post-remediation fleet state.
const (
	verifyMaxCPUPercent    = 80.0
	verifyMaxMemoryPercent = 85.0
	verifyMaxLatencyMs     = 300.0
	verifyMinHealthyRatio  = 0.8
)

// handleVerify checks the fleet against the recovery thresholds. A failed
// check is a task error so the retry budget gives remediation time to
// settle before the verdict is final.
func (o *Orchestrator) handleVerify(ctx context.Context, t *Task, exec *Execution) (map[string]any, error) {
	if o.deps.Devices == nil {
		return nil, errors.New("no device provider wired")
	}

	health, err := o.deps.Devices.GetSystemHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("system health: %w", err)
	}

	checks := map[string]bool{
		"cpu":          health.AvgCPUPercent < verifyMaxCPUPercent,
		"memory":       health.AvgMemoryPercent < verifyMaxMemoryPercent,
		"latency":      health.AvgLatencyMs < verifyMaxLatencyMs,
		"healthyRatio": health.HealthyRatio >= verifyMinHealthyRatio,
	}

	// Compare the implicated device's oldest and newest metric samples so
	// the verdict records what remediation actually changed.
	comparisons := map[string]map[string]float64{}
	if len(t.DeviceIDs) > 0 {
		if samples, terr := o.deps.Devices.MetricTrends(ctx, t.DeviceIDs[0], 10); terr == nil && len(samples) >= 2 {
			first, last := samples[0], samples[len(samples)-1]
			compare := func(metric string, before, after float64) {
				comparisons[metric] = map[string]float64{
					"before": before, "after": after, "deviation": after - before,
				}
			}
			compare("cpuPercent", first.CPUPercent, last.CPUPercent)
			compare("latencyMs", first.LatencyMs, last.LatencyMs)
			compare("queueDepth", float64(first.QueueDepth), float64(last.QueueDepth))
		}
	}

	// Congestion recovery must show the queue actually drained.
	if faultType, _ := t.Payload["faultType"].(string); faultType == "port_congestion" {
		qd, sampled := comparisons["queueDepth"]
		checks["queueDrained"] = sampled && qd["after"] < qd["before"]
	}

	var failed []string
	for name, ok := range checks {
		if !ok {
			failed = append(failed, name)
		}
	}
	o.execLog(exec, "verified %d checks, %d failed", len(checks), len(failed))

	result := map[string]any{
		"checks": checks,
		"passed": len(failed) == 0,
	}
	if len(comparisons) > 0 {
		result["metricsComparison"] = comparisons
	}
	if len(failed) > 0 {
		return result, fmt.Errorf("verification checks failed: %s", strings.Join(failed, ", "))
	}
	return result, nil
}

// rollbackRemediation undoes the incident's successful remediation actions
// in reverse order. Runs when verification fails terminally, so a fix that
// made things worse does not stay applied.
func (o *Orchestrator) rollbackRemediation(ctx context.Context, incidentID string) {
	if o.deps.Control == nil || incidentID == "" {
		return
	}

	var actions []map[string]any
	o.mu.RLock()
	for i := len(o.taskOrder) - 1; i >= 0; i-- {
		t := o.tasks[o.taskOrder[i]]
		if t.Type != TaskRemediate || t.IncidentID != incidentID || t.Status != TaskStatusCompleted {
			continue
		}
		if raw, ok := t.Result["actions"].([]map[string]any); ok {
			actions = raw
		}
		break
	}
	o.mu.RUnlock()

	rolled := 0
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		outcome, _ := a["outcome"].(string)
		rollback, _ := a["rollback"].(string)
		deviceID, _ := a["deviceId"].(string)
		action, _ := a["action"].(string)
		if outcome != "succeeded" || rollback == "" {
			continue
		}
		result := "succeeded"
		if _, err := o.deps.Control.RunCommand(ctx, deviceID, rollback); err != nil {
			result = "failed"
		}
		audit.Record(audit.Action{
			IncidentID: incidentID,
			DeviceID:   deviceID,
			Action:     action,
			Command:    rollback,
			Outcome:    result,
			Rollback:   true,
		})
		if o.metrics != nil {
			o.metrics.RollbacksTriggered.Add(ctx, 1)
		}
		rolled++
	}
	if rolled > 0 {
		o.log.Warn("verification failed, remediation rolled back",
			"incident_id", incidentID, "actions", rolled)
	}
}

// handleCompliance audits the inventory for devices out of policy. Read-only.
func (o *Orchestrator) handleCompliance(ctx context.Context, t *Task, exec *Execution) (map[string]any, error) {
	if o.deps.Devices == nil {
		return map[string]any{"compliant": true}, nil
	}
	devices, err := o.deps.Devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var violations []string
	for _, d := range devices {
		if d.Status == "offline" || d.Status == "critical" {
			violations = append(violations, d.ID)
		}
	}
	o.execLog(exec, "audited %d devices, %d out of policy", len(devices), len(violations))
	return map[string]any{
		"devicesAudited": len(devices),
		"violations":     violations,
		"compliant":      len(violations) == 0,
	}, nil
}

// handleLearn summarizes recent task outcomes from the event log to surface
// recurring fault patterns. Read-only; the knowledge base itself is static.
func (o *Orchestrator) handleLearn(ctx context.Context, t *Task, exec *Execution) (map[string]any, error) {
	events := o.events.recent(200)
	completed, failed := 0, 0
	for _, ev := range events {
		switch ev.Kind {
		case EventTaskCompleted:
			completed++
		case EventTaskFailed:
			failed++
		}
	}
	o.execLog(exec, "reviewed %d events: %d completed, %d failed", len(events), completed, failed)
	return map[string]any{
		"eventsReviewed": len(events),
		"completed":      completed,
		"failed":         failed,
		"knownFaults":    len(faultKnowledge),
	}, nil
}
