// Package workflow runs the per-incident remediation lifecycle: a staged
// state machine from detection through diagnosis, remediation and
// verification to resolution, driven by the task lifecycle events the
// orchestration engine publishes on the bus.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/netmend/internal/bus"
	"github.com/basket/netmend/internal/otel"
	"github.com/basket/netmend/internal/simulator"
	"github.com/basket/netmend/internal/storage"
)

// AnalysisTrigger admits a diagnose task for an incident and returns the
// task id. Wired to the orchestration engine by the caller.
type AnalysisTrigger func(ctx context.Context, incidentID string) (string, error)

// Config tunes the workflow engine.
type Config struct {
	// StageTimeout flags a workflow stuck in one stage longer than this.
	StageTimeout time.Duration
}

// Engine owns one workflow state per incident. Safe for concurrent use.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	clock   Clock
	store   *storage.Store
	sim     *simulator.Simulator
	analyze AnalysisTrigger

	mu     sync.RWMutex
	states map[string]*State
	order  []string

	runMu sync.Mutex
	sub   *bus.Subscription
	done  chan struct{}
}

// New builds the engine. The analysis trigger and simulator may be nil in
// tests that drive transitions directly.
func New(cfg Config, logger *slog.Logger, b *bus.Bus, metrics *otel.Metrics, store *storage.Store, sim *simulator.Simulator, clock Clock, analyze AnalysisTrigger) *Engine {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{
		cfg:     cfg,
		log:     logger.With("component", "workflow"),
		bus:     b,
		metrics: metrics,
		clock:   clock,
		store:   store,
		sim:     sim,
		analyze: analyze,
		states:  make(map[string]*State),
	}
}

// Start subscribes to task lifecycle events and consumes them until Stop.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.sub != nil || e.bus == nil {
		return
	}
	e.sub = e.bus.Subscribe("task.")
	e.done = make(chan struct{})
	go func(sub *bus.Subscription, done chan struct{}) {
		defer close(done)
		for ev := range sub.Ch() {
			te, ok := ev.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			e.HandleTaskEvent(ev.Topic, te)
		}
	}(e.sub, e.done)
	e.log.Info("workflow engine started")
}

// Stop unsubscribes and waits for the consumer to drain.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.sub == nil {
		return
	}
	e.bus.Unsubscribe(e.sub)
	<-e.done
	e.sub = nil
	e.log.Info("workflow engine stopped")
}

// InjectFault breaks a device, opens the matching incident, starts its
// workflow at detection and triggers diagnosis.
func (e *Engine) InjectFault(ctx context.Context, deviceID, faultType string) (storage.Incident, error) {
	if e.sim == nil {
		return storage.Incident{}, fmt.Errorf("no simulator wired")
	}
	tmpl, ok := scenarioFor(faultType)
	if !ok {
		return storage.Incident{}, fmt.Errorf("unknown fault type %q", faultType)
	}

	if _, err := e.sim.InjectFault(ctx, deviceID, faultType); err != nil {
		return storage.Incident{}, err
	}

	inc, err := e.store.CreateIncident(ctx, storage.Incident{
		Title:       fmt.Sprintf(tmpl.title, deviceID),
		Description: tmpl.description,
		Severity:    tmpl.severity,
		Status:      string(StageDetection),
		DeviceID:    deviceID,
		FaultType:   faultType,
	})
	if err != nil {
		return storage.Incident{}, fmt.Errorf("open incident: %w", err)
	}

	now := e.clock.Now()
	e.mu.Lock()
	e.states[inc.ID] = &State{
		IncidentID: inc.ID,
		DeviceID:   deviceID,
		FaultType:  faultType,
		Stage:      StageDetection,
		History:    []StageRecord{{Stage: StageDetection, EnteredAt: now, Summary: "fault injected"}},
		StartedAt:  now,
	}
	e.order = append(e.order, inc.ID)
	e.mu.Unlock()

	e.log.Warn("incident opened", "incident_id", inc.ID, "device_id", deviceID, "fault_type", faultType, "severity", inc.Severity)

	if e.analyze != nil {
		if taskID, aerr := e.analyze(ctx, inc.ID); aerr != nil {
			e.RecordError(inc.ID, fmt.Sprintf("analysis not triggered: %v", aerr))
		} else {
			e.log.Info("diagnosis triggered", "incident_id", inc.ID, "task_id", taskID)
		}
	}
	return inc, nil
}

// HandleTaskEvent maps a task lifecycle transition onto the incident's
// workflow stage. Exported so tests can drive transitions without the bus.
func (e *Engine) HandleTaskEvent(topic string, te bus.TaskEvent) {
	if te.IncidentID == "" {
		return
	}
	switch topic {
	case bus.TopicTaskStarted:
		switch te.Type {
		case "diagnose":
			e.advance(te.IncidentID, StageDiagnosis, "diagnosis running")
		case "remediate":
			e.advance(te.IncidentID, StageRemediation, "remediation running")
		case "verify":
			e.advance(te.IncidentID, StageVerification, "verification running")
		}
	case bus.TopicTaskCompleted:
		switch te.Type {
		case "diagnose":
			e.attachDetail(te.IncidentID, StageDiagnosis, diagnosisDetail(te.Result))
		case "remediate":
			e.attachDetail(te.IncidentID, StageRemediation, remediationDetail(te.Result))
		case "verify":
			e.attachDetail(te.IncidentID, StageVerification, verificationDetail(te.Result))
			if unmet := e.unmetResolutionConditions(te.IncidentID); len(unmet) > 0 {
				e.RecordError(te.IncidentID, fmt.Sprintf("resolution blocked: %s", strings.Join(unmet, ", ")))
				return
			}
			e.advance(te.IncidentID, StageResolved, "verification passed")
		}
	case bus.TopicTaskFailed:
		e.RecordError(te.IncidentID, fmt.Sprintf("%s task %s failed terminally: %s", te.Type, te.TaskID, te.Error))
		if te.Type == "verify" {
			e.advance(te.IncidentID, StageRemediation, "verification failed, remediation re-entered")
		}
	}
}

// unmetResolutionConditions re-checks the scenario's fleet-level resolution
// conditions against live system health. Returns the failed condition
// descriptions, empty when resolution may proceed.
func (e *Engine) unmetResolutionConditions(incidentID string) []string {
	e.mu.RLock()
	st, ok := e.states[incidentID]
	var faultType string
	if ok {
		faultType = st.FaultType
	}
	e.mu.RUnlock()
	if !ok || e.store == nil {
		return nil
	}
	tmpl, ok := scenarioFor(faultType)
	if !ok || len(tmpl.conditions) == 0 {
		return nil
	}

	health, err := e.store.GetSystemHealth(context.Background())
	if err != nil {
		return []string{fmt.Sprintf("system health unavailable: %v", err)}
	}
	values := map[string]float64{
		"healthyRatio":     health.HealthyRatio,
		"avgCpuPercent":    health.AvgCPUPercent,
		"avgMemoryPercent": health.AvgMemoryPercent,
		"avgLatencyMs":     health.AvgLatencyMs,
	}

	var unmet []string
	for metric, cond := range tmpl.conditions {
		v, known := values[metric]
		if !known {
			unmet = append(unmet, fmt.Sprintf("%s: unknown metric", metric))
			continue
		}
		passed, cerr := EvalCondition(v, cond)
		if cerr != nil {
			unmet = append(unmet, fmt.Sprintf("%s: %v", metric, cerr))
			continue
		}
		if !passed {
			unmet = append(unmet, fmt.Sprintf("%s=%.2f violates %s", metric, v, cond))
		}
	}
	return unmet
}

// attachDetail records a completed task's structured outcome on the
// incident's most recent visit to the stage.
func (e *Engine) attachDetail(incidentID string, stage Stage, d *StageDetail) {
	if d == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[incidentID]
	if !ok {
		return
	}
	if len(d.AffectedDevices) == 0 && st.DeviceID != "" {
		d.AffectedDevices = []string{st.DeviceID}
	}
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].Stage == stage {
			st.History[i].Detail = d
			return
		}
	}
}

// advance moves an incident to the next stage if the transition is legal.
// Illegal or repeated transitions are dropped; retries of a task re-enter
// the stage the workflow is already in.
func (e *Engine) advance(incidentID string, to Stage, summary string) {
	now := e.clock.Now()

	e.mu.Lock()
	st, ok := e.states[incidentID]
	if !ok || st.Stage == to || !transitionAllowed(st.Stage, to) {
		e.mu.Unlock()
		return
	}
	from := st.Stage
	if n := len(st.History); n > 0 && st.History[n-1].LeftAt == nil {
		st.History[n-1].LeftAt = &now
	}
	st.Stage = to
	st.History = append(st.History, StageRecord{Stage: to, EnteredAt: now, Summary: summary})

	elapsed := now.Sub(st.StartedAt).Milliseconds()
	switch to {
	case StageDiagnosis:
		if st.TTDMillis == 0 {
			st.TTDMillis = elapsed
		}
	case StageVerification:
		if st.TTRMillis == 0 {
			st.TTRMillis = elapsed
		}
	case StageResolved:
		st.TTTRMillis = elapsed
		st.ResolvedAt = &now
	}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.UpdateIncidentStatus(context.Background(), incidentID, string(to)); err != nil {
			e.log.Error("incident status update failed", "incident_id", incidentID, "stage", to, "error", err.Error())
		}
	}
	if e.metrics != nil {
		e.metrics.IncidentTransitions.Add(context.Background(), 1)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicIncidentStageChanged, bus.IncidentStageEvent{
			IncidentID: incidentID,
			OldStage:   string(from),
			NewStage:   string(to),
			At:         now,
		})
		if to == StageResolved {
			e.bus.Publish(bus.TopicIncidentResolved, bus.IncidentStageEvent{
				IncidentID: incidentID,
				OldStage:   string(from),
				NewStage:   string(to),
				At:         now,
			})
		}
	}
	e.log.Info("workflow stage changed", "incident_id", incidentID, "from", from, "to", to)
}

// RecordError appends to the incident's error side channel without
// disturbing the stage.
func (e *Engine) RecordError(incidentID, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[incidentID]
	if !ok {
		return
	}
	st.Errors = append(st.Errors, msg)
}

// CheckTimeouts flags workflows stuck in a non-terminal stage beyond the
// configured stage timeout. Returns the flagged incident ids.
func (e *Engine) CheckTimeouts() []string {
	now := e.clock.Now()
	var stuck []string

	e.mu.Lock()
	for _, id := range e.order {
		st := e.states[id]
		if st.Stage == StageResolved || len(st.History) == 0 {
			continue
		}
		entered := st.History[len(st.History)-1].EnteredAt
		if now.Sub(entered) > e.cfg.StageTimeout {
			st.Errors = append(st.Errors, fmt.Sprintf("stage %s exceeded %s", st.Stage, e.cfg.StageTimeout))
			stuck = append(stuck, id)
		}
	}
	e.mu.Unlock()

	for _, id := range stuck {
		e.log.Warn("workflow stage timeout", "incident_id", id)
	}
	return stuck
}

// State returns a snapshot of one incident's workflow.
func (e *Engine) State(incidentID string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[incidentID]
	if !ok {
		return State{}, false
	}
	return snapshotState(st), true
}

// LatestState returns the most recently opened workflow.
func (e *Engine) LatestState() (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.order) == 0 {
		return State{}, false
	}
	return snapshotState(e.states[e.order[len(e.order)-1]]), true
}

// States returns all workflows in creation order.
func (e *Engine) States() []State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]State, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, snapshotState(e.states[id]))
	}
	return out
}

// Reset drops all workflow state and restores the simulated fleet.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.states = make(map[string]*State)
	e.order = nil
	e.mu.Unlock()

	if e.sim != nil {
		if err := e.sim.Reset(ctx); err != nil {
			return fmt.Errorf("reset simulator: %w", err)
		}
	}
	e.log.Info("workflow state reset")
	return nil
}

func snapshotState(st *State) State {
	cp := *st
	cp.History = append([]StageRecord(nil), st.History...)
	cp.Errors = append([]string(nil), st.Errors...)
	return cp
}
