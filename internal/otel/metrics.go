package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all netmend metrics instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	TaskDuration         metric.Float64Histogram
	TasksDispatched      metric.Int64Counter
	TaskRetries          metric.Int64Counter
	TaskFailures         metric.Int64Counter
	QueueDepth           metric.Int64UpDownCounter
	AgentsBusy           metric.Int64UpDownCounter
	IncidentTransitions  metric.Int64Counter
	RemediationActions   metric.Int64Counter
	RollbacksTriggered   metric.Int64Counter
	EventsAppended       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("netmend.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("netmend.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("netmend.task.dispatched",
		metric.WithDescription("Tasks handed to agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("netmend.task.retries",
		metric.WithDescription("Task retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("netmend.task.failures",
		metric.WithDescription("Tasks that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("netmend.queue.depth",
		metric.WithDescription("Tasks currently queued across all priority lanes"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsBusy, err = meter.Int64UpDownCounter("netmend.agents.busy",
		metric.WithDescription("Agents currently processing a task"),
	)
	if err != nil {
		return nil, err
	}

	m.IncidentTransitions, err = meter.Int64Counter("netmend.incident.transitions",
		metric.WithDescription("Incident workflow stage transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.RemediationActions, err = meter.Int64Counter("netmend.remediation.actions",
		metric.WithDescription("Remediation actions executed"),
	)
	if err != nil {
		return nil, err
	}

	m.RollbacksTriggered, err = meter.Int64Counter("netmend.remediation.rollbacks",
		metric.WithDescription("Emergency rollbacks triggered"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("netmend.events.appended",
		metric.WithDescription("Events appended to the in-memory event log"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
