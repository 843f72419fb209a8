package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/netmend/internal/bus"
	"github.com/basket/netmend/internal/otel"
	"github.com/basket/netmend/internal/shared"
)

// ErrQueueSaturated is returned by CreateTask when the queue holds the
// configured maximum and admission would grow it further.
var ErrQueueSaturated = errors.New("task queue saturated")

// durationWindow bounds the rolling task-duration sample.
const durationWindow = 100

// Config tunes the dispatch loop and admission limits.
type Config struct {
	TickInterval        time.Duration
	MaxRetries          int
	MaxQueueDepth       int
	EventLogCap         int
	ConfidenceThreshold int
	AutoRemediate       bool

	// Tracer, when set, wraps every task attempt in a span.
	Tracer trace.Tracer
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 1000
	}
	if c.EventLogCap <= 0 {
		c.EventLogCap = 1000
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 80
	}
}

// Orchestrator owns the task table, the priority lanes, the agent roster and
// the bounded event log. All state is in-memory; a restart starts clean.
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	deps    Collaborators

	queue    *laneQueue
	registry *registry
	events   *eventLog

	mu         sync.RWMutex
	tasks      map[string]*Task
	taskOrder  []string
	execs      map[string]*Execution
	execByTask map[string]string
	durations  []int64

	tasksCreated   atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	loopWG  sync.WaitGroup
	execWG  sync.WaitGroup
}

// New builds an orchestrator with the given roster. Roster agents must have
// unique ids and valid types.
func New(cfg Config, logger *slog.Logger, b *bus.Bus, metrics *otel.Metrics, deps Collaborators, roster []Agent) (*Orchestrator, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:        cfg,
		log:        logger.With("component", "orchestrator"),
		bus:        b,
		metrics:    metrics,
		deps:       deps,
		queue:      newLaneQueue(),
		registry:   newRegistry(),
		events:     newEventLog(cfg.EventLogCap),
		tasks:      make(map[string]*Task),
		execs:      make(map[string]*Execution),
		execByTask: make(map[string]string),
	}
	for i := range roster {
		a := roster[i]
		if _, err := ParseAgentType(string(a.Type)); err != nil {
			return nil, fmt.Errorf("roster agent %s: %w", a.ID, err)
		}
		if err := o.registry.add(&a); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// TaskOptions describes a task to admit.
type TaskOptions struct {
	Type         TaskType
	Priority     Priority
	Payload      map[string]any
	IncidentID   string
	DeviceIDs    []string
	ParentTaskID string
	MaxRetries   int
}

// CreateTask validates and admits a task into its priority lane. Admission
// fails with ErrQueueSaturated when the queue is at capacity.
func (o *Orchestrator) CreateTask(ctx context.Context, opts TaskOptions) (Task, error) {
	if opts.Priority == "" {
		opts.Priority = PriorityMedium
	}
	if !ValidPriority(opts.Priority) {
		return Task{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	if len(CapabilitiesFor(opts.Type)) == 0 {
		return Task{}, fmt.Errorf("unknown task type %q", opts.Type)
	}
	if o.queue.depth() >= o.cfg.MaxQueueDepth {
		return Task{}, ErrQueueSaturated
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.cfg.MaxRetries
	}
	t := &Task{
		ID:           uuid.NewString(),
		Type:         opts.Type,
		Priority:     opts.Priority,
		Status:       TaskStatusQueued,
		Payload:      opts.Payload,
		MaxRetries:   maxRetries,
		IncidentID:   opts.IncidentID,
		DeviceIDs:    opts.DeviceIDs,
		ParentTaskID: opts.ParentTaskID,
		CreatedAt:    time.Now().UTC(),
	}

	o.mu.Lock()
	o.tasks[t.ID] = t
	o.taskOrder = append(o.taskOrder, t.ID)
	snapshot := *t
	o.mu.Unlock()

	o.queue.push(t.Priority, t.ID)
	o.tasksCreated.Add(1)
	if o.metrics != nil {
		o.metrics.QueueDepth.Add(ctx, 1)
		o.metrics.EventsAppended.Add(ctx, 1)
	}
	o.events.append("system", t.ID, EventTaskStarted,
		fmt.Sprintf("%s task admitted at %s priority", t.Type, t.Priority), nil)
	o.publishTaskEvent(bus.TopicTaskCreated, snapshot)
	o.log.Debug("task admitted", "task_id", t.ID, "type", t.Type, "priority", t.Priority)
	return snapshot, nil
}

// Start launches the dispatch loop. Calling Start on a running orchestrator
// is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.stop = make(chan struct{})
	o.loopWG.Add(1)
	go o.loop(ctx, o.stop)
	o.log.Info("dispatch loop started", "tick", o.cfg.TickInterval.String())
}

// Stop halts the dispatch loop and waits for in-flight executions, bounded
// by the context deadline.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.runMu.Lock()
	if !o.running {
		o.runMu.Unlock()
		return nil
	}
	o.running = false
	close(o.stop)
	o.runMu.Unlock()

	o.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		o.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info("dispatch loop stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight tasks: %w", ctx.Err())
	}
}

func (o *Orchestrator) loop(ctx context.Context, stop <-chan struct{}) {
	defer o.loopWG.Done()
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.DispatchTick(ctx)
		}
	}
}

// DispatchTick runs one dispatch pass: lanes drain in strict priority order
// and every dispatchable task is handed to the first available capable
// agent. Exported so tests and the cron sweep can drive dispatch without
// the wall-clock ticker.
func (o *Orchestrator) DispatchTick(ctx context.Context) int {
	type assignment struct {
		taskID  string
		agentID string
	}
	var assigned []assignment

	o.queue.drainDispatchable(func(taskID string) bool {
		o.mu.RLock()
		t, ok := o.tasks[taskID]
		var taskType TaskType
		if ok {
			taskType = t.Type
		}
		o.mu.RUnlock()
		if !ok {
			// Stale id; drop it from the lane.
			return true
		}
		agent := o.registry.findAvailable(CapabilitiesFor(taskType))
		if agent == nil {
			return false
		}
		o.registry.markAssigned(agent.ID, taskID)
		assigned = append(assigned, assignment{taskID: taskID, agentID: agent.ID})
		return true
	})

	for _, a := range assigned {
		o.beginExecution(ctx, a.taskID, a.agentID)
	}
	return len(assigned)
}

// beginExecution transitions the task to assigned, binds or revives its
// execution record and launches the attempt goroutine.
func (o *Orchestrator) beginExecution(ctx context.Context, taskID, agentID string) {
	now := time.Now().UTC()

	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	t.Status = TaskStatusAssigned
	t.AgentID = agentID
	t.AssignedAt = &now

	execID, exists := o.execByTask[taskID]
	var exec *Execution
	if exists {
		exec = o.execs[execID]
		exec.AgentID = agentID
		exec.Status = TaskStatusAssigned
		exec.Logs = append(exec.Logs, fmt.Sprintf("attempt %d assigned to %s", t.RetryCount+1, agentID))
	} else {
		exec = &Execution{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			AgentID:   agentID,
			Status:    TaskStatusAssigned,
			Logs:      []string{fmt.Sprintf("attempt 1 assigned to %s", agentID)},
			StartedAt: now,
		}
		o.execs[exec.ID] = exec
		o.execByTask[taskID] = exec.ID
	}
	snapshot := *t
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.QueueDepth.Add(ctx, -1)
		o.metrics.TasksDispatched.Add(ctx, 1)
		o.metrics.AgentsBusy.Add(ctx, 1)
	}
	o.publishTaskEvent(bus.TopicTaskAssigned, snapshot)

	o.execWG.Add(1)
	go o.execute(ctx, taskID, agentID, exec)
}

// execute runs one attempt. A handler error requeues the task at its lane
// tail while the retry budget lasts; the budget spent, the task fails
// terminally. Either terminal outcome counts once against the agent.
func (o *Orchestrator) execute(ctx context.Context, taskID, agentID string, exec *Execution) {
	defer o.execWG.Done()

	agentType, _ := o.registry.typeOf(agentID)
	started := time.Now().UTC()

	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		o.registry.release(agentID)
		return
	}
	t.Status = TaskStatusRunning
	t.StartedAt = &started
	exec.Status = TaskStatusRunning
	snapshot := *t
	o.mu.Unlock()

	// Collaborator calls made by the handler see the same ids.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, taskID)
	ctx = shared.WithAgentID(ctx, agentID)
	if snapshot.IncidentID != "" {
		ctx = shared.WithIncidentID(ctx, snapshot.IncidentID)
	}
	if o.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, o.cfg.Tracer, "task.execute",
			otel.AttrTaskID.String(taskID),
			otel.AttrTaskType.String(string(snapshot.Type)),
			otel.AttrAgentID.String(agentID),
			otel.AttrAttempt.Int(snapshot.RetryCount+1))
		defer span.End()
	}

	o.events.append(agentID, taskID, EventTaskStarted,
		fmt.Sprintf("%s task started on %s", snapshot.Type, agentID), nil)
	if o.metrics != nil {
		o.metrics.EventsAppended.Add(ctx, 1)
	}
	o.publishTaskEvent(bus.TopicTaskStarted, snapshot)

	result, err := o.runHandler(ctx, &snapshot, agentType, exec)
	elapsed := time.Since(started)
	if o.metrics != nil {
		o.metrics.AgentsBusy.Add(ctx, -1)
		o.metrics.TaskDuration.Record(ctx, elapsed.Seconds())
	}

	if err == nil {
		o.finishSuccess(ctx, taskID, agentID, exec, result, elapsed)
		return
	}
	o.finishFailure(ctx, taskID, agentID, exec, err, elapsed)
}

func (o *Orchestrator) finishSuccess(ctx context.Context, taskID, agentID string, exec *Execution, result map[string]any, elapsed time.Duration) {
	now := time.Now().UTC()

	o.mu.Lock()
	t := o.tasks[taskID]
	t.Status = TaskStatusCompleted
	t.Result = result
	t.CompletedAt = &now
	exec.Status = TaskStatusCompleted
	exec.CompletedAt = &now
	exec.DurationMs = elapsed.Milliseconds()
	exec.Logs = append(exec.Logs, "completed")
	o.recordDurationLocked(elapsed.Milliseconds())
	snapshot := *t
	o.mu.Unlock()

	o.registry.markDone(agentID, true)
	o.tasksCompleted.Add(1)
	o.events.append(agentID, taskID, EventTaskCompleted,
		fmt.Sprintf("%s task completed in %dms", snapshot.Type, elapsed.Milliseconds()), nil)
	if o.metrics != nil {
		o.metrics.EventsAppended.Add(ctx, 1)
	}
	o.publishTaskEvent(bus.TopicTaskCompleted, snapshot)
	o.log.Info("task completed",
		"trace_id", shared.TraceID(ctx),
		"task_id", taskID, "agent_id", agentID, "type", snapshot.Type, "duration_ms", elapsed.Milliseconds())
}

func (o *Orchestrator) finishFailure(ctx context.Context, taskID, agentID string, exec *Execution, taskErr error, elapsed time.Duration) {
	o.mu.Lock()
	t := o.tasks[taskID]
	retriable := t.RetryCount < t.MaxRetries
	if retriable {
		t.RetryCount++
		t.Status = TaskStatusQueued
		t.AgentID = ""
		exec.Status = TaskStatusQueued
		exec.Logs = append(exec.Logs, fmt.Sprintf("attempt failed: %v, requeued", taskErr))
	} else {
		now := time.Now().UTC()
		t.Status = TaskStatusFailed
		t.Error = taskErr.Error()
		t.CompletedAt = &now
		exec.Status = TaskStatusFailed
		exec.CompletedAt = &now
		exec.DurationMs = elapsed.Milliseconds()
		exec.Logs = append(exec.Logs, fmt.Sprintf("failed: %v", taskErr))
		o.recordDurationLocked(elapsed.Milliseconds())
	}
	snapshot := *t
	o.mu.Unlock()

	if retriable {
		o.registry.release(agentID)
		o.queue.push(snapshot.Priority, taskID)
		o.tasksRetried.Add(1)
		if o.metrics != nil {
			o.metrics.TaskRetries.Add(ctx, 1)
			o.metrics.QueueDepth.Add(ctx, 1)
		}
		o.events.append(agentID, taskID, EventStatusChange,
			fmt.Sprintf("%s task retrying, attempt %d of %d", snapshot.Type, snapshot.RetryCount+1, snapshot.MaxRetries+1), nil)
		o.publishTaskEvent(bus.TopicTaskRetrying, snapshot)
		o.log.Warn("task attempt failed, requeued",
			"task_id", taskID, "agent_id", agentID, "retry", snapshot.RetryCount, "error", taskErr.Error())
		return
	}

	o.registry.markDone(agentID, false)
	o.tasksFailed.Add(1)
	if o.metrics != nil {
		o.metrics.TaskFailures.Add(ctx, 1)
		o.metrics.EventsAppended.Add(ctx, 1)
	}
	if snapshot.Type == TaskVerify {
		o.rollbackRemediation(ctx, snapshot.IncidentID)
	}
	o.events.append(agentID, taskID, EventTaskFailed,
		fmt.Sprintf("%s task failed after %d attempts", snapshot.Type, snapshot.RetryCount+1), nil)
	o.publishTaskEvent(bus.TopicTaskFailed, snapshot)
	o.log.Error("task failed terminally",
		"trace_id", shared.TraceID(ctx),
		"task_id", taskID, "agent_id", agentID, "attempts", snapshot.RetryCount+1, "error", taskErr.Error())
}

// TriggerIncidentAnalysis admits a diagnose task for the incident. Critical
// incidents jump to the critical lane; everything else runs high.
func (o *Orchestrator) TriggerIncidentAnalysis(ctx context.Context, incidentID string) (Task, error) {
	if o.deps.Incidents == nil {
		return Task{}, errors.New("no incident store wired")
	}
	inc, err := o.deps.Incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return Task{}, fmt.Errorf("load incident %s: %w", incidentID, err)
	}
	priority := PriorityHigh
	if inc.Severity == "critical" {
		priority = PriorityCritical
	}
	var deviceIDs []string
	if inc.DeviceID != "" {
		deviceIDs = []string{inc.DeviceID}
	}
	return o.CreateTask(ctx, TaskOptions{
		Type:       TaskDiagnose,
		Priority:   priority,
		IncidentID: inc.ID,
		DeviceIDs:  deviceIDs,
	})
}

// publishTaskEvent fans a lifecycle transition out on the bus.
func (o *Orchestrator) publishTaskEvent(topic string, t Task) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, bus.TaskEvent{
		TaskID:     t.ID,
		Type:       string(t.Type),
		Priority:   string(t.Priority),
		AgentID:    t.AgentID,
		IncidentID: t.IncidentID,
		Attempt:    t.RetryCount + 1,
		Error:      t.Error,
		Result:     t.Result,
		At:         time.Now().UTC(),
	})
}

// execLog appends a formatted line to an execution record.
func (o *Orchestrator) execLog(exec *Execution, format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec.Logs = append(exec.Logs, fmt.Sprintf(format, args...))
}

func (o *Orchestrator) setExecConfidence(exec *Execution, confidence int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec.Confidence = confidence
}

func (o *Orchestrator) recordDurationLocked(ms int64) {
	o.durations = append(o.durations, ms)
	if len(o.durations) > durationWindow {
		o.durations = o.durations[len(o.durations)-durationWindow:]
	}
}

// GetTask returns a snapshot of a task.
func (o *Orchestrator) GetTask(id string) (Task, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ListTasks returns task snapshots in creation order.
func (o *Orchestrator) ListTasks() []Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Task, 0, len(o.taskOrder))
	for _, id := range o.taskOrder {
		out = append(out, *o.tasks[id])
	}
	return out
}

// GetAgent returns a snapshot of a roster agent.
func (o *Orchestrator) GetAgent(id string) (Agent, bool) { return o.registry.get(id) }

// ListAgents returns roster snapshots in registration order.
func (o *Orchestrator) ListAgents() []Agent { return o.registry.list() }

// Executions returns all execution records, unordered.
func (o *Orchestrator) Executions() []Execution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Execution, 0, len(o.execs))
	for _, e := range o.execs {
		cp := *e
		cp.Logs = append([]string(nil), e.Logs...)
		out = append(out, cp)
	}
	return out
}

// ExecutionForTask returns the execution record bound to a task.
func (o *Orchestrator) ExecutionForTask(taskID string) (Execution, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	execID, ok := o.execByTask[taskID]
	if !ok {
		return Execution{}, false
	}
	e := o.execs[execID]
	cp := *e
	cp.Logs = append([]string(nil), e.Logs...)
	return cp, true
}

// Events returns the most recent limit events in chronological order.
func (o *Orchestrator) Events(limit int) []Event { return o.events.recent(limit) }

// Status is a point-in-time summary of the engine.
type Status struct {
	Running        bool             `json:"running"`
	QueueDepth     int              `json:"queueDepth"`
	LaneDepths     map[Priority]int `json:"laneDepths"`
	AgentsTotal    int              `json:"agentsTotal"`
	AgentsBusy     int              `json:"agentsBusy"`
	TasksCreated   int64            `json:"tasksCreated"`
	TasksCompleted int64            `json:"tasksCompleted"`
	TasksFailed    int64            `json:"tasksFailed"`
	TasksRetried   int64            `json:"tasksRetried"`
	EventLogSize   int              `json:"eventLogSize"`
	AvgTaskMs      int64            `json:"avgTaskMs"`
}

// Status summarizes the engine for the status endpoint.
func (o *Orchestrator) Status() Status {
	o.runMu.Lock()
	running := o.running
	o.runMu.Unlock()

	o.mu.RLock()
	var avg int64
	if len(o.durations) > 0 {
		var sum int64
		for _, d := range o.durations {
			sum += d
		}
		avg = sum / int64(len(o.durations))
	}
	o.mu.RUnlock()

	agents := o.registry.list()
	return Status{
		Running:        running,
		QueueDepth:     o.queue.depth(),
		LaneDepths:     o.queue.laneDepths(),
		AgentsTotal:    len(agents),
		AgentsBusy:     o.registry.countByStatus(AgentStatusProcessing),
		TasksCreated:   o.tasksCreated.Load(),
		TasksCompleted: o.tasksCompleted.Load(),
		TasksFailed:    o.tasksFailed.Load(),
		TasksRetried:   o.tasksRetried.Load(),
		EventLogSize:   o.events.size(),
		AvgTaskMs:      avg,
	}
}
