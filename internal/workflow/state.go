package workflow

import "time"

// Stage is one phase of the incident workflow.
type Stage string

const (
	StageDetection    Stage = "detection"
	StageDiagnosis    Stage = "diagnosis"
	StageRemediation  Stage = "remediation"
	StageVerification Stage = "verification"
	StageResolved     Stage = "resolved"
)

// allowedTransitions: the workflow moves forward, with one regression
// permitted when verification sends the incident back to remediation.
var allowedTransitions = map[Stage][]Stage{
	StageDetection:    {StageDiagnosis},
	StageDiagnosis:    {StageRemediation},
	StageRemediation:  {StageVerification},
	StageVerification: {StageResolved, StageRemediation},
	StageResolved:     {},
}

func transitionAllowed(from, to Stage) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StageRecord is one visit to a stage, with entry and exit timestamps.
// Summary is set when the stage is entered; Detail is filled in later
// from the result of the task that completed the stage's work.
type StageRecord struct {
	Stage     Stage        `json:"stage"`
	EnteredAt time.Time    `json:"enteredAt"`
	LeftAt    *time.Time   `json:"leftAt,omitempty"`
	Summary   string       `json:"summary,omitempty"`
	Detail    *StageDetail `json:"detail,omitempty"`
}

// StageDetail is the structured outcome of one stage. Which fields are
// set depends on the stage: diagnosis carries method, confidence and
// evidence; remediation carries the executed plan; verification carries
// the success criteria and the before/after metric comparisons.
type StageDetail struct {
	Method            string                 `json:"method,omitempty"`
	Confidence        int                    `json:"confidence,omitempty"`
	Evidence          []string               `json:"evidence,omitempty"`
	AffectedDevices   []string               `json:"affectedDevices,omitempty"`
	Plan              []PlanStep             `json:"plan,omitempty"`
	SuccessCriteria   []Criterion            `json:"successCriteria,omitempty"`
	MetricsComparison map[string]MetricDelta `json:"metricsComparison,omitempty"`
}

// PlanStep is one executed remediation action with its rollback.
type PlanStep struct {
	Action   string `json:"action"`
	Command  string `json:"command,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Risk     string `json:"risk,omitempty"`
	Rollback string `json:"rollback,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Criterion is one verification check and whether it held.
type Criterion struct {
	Name string `json:"name"`
	Met  bool   `json:"met"`
}

// MetricDelta compares a metric before and after remediation.
type MetricDelta struct {
	Before    float64 `json:"before"`
	After     float64 `json:"after"`
	Deviation float64 `json:"deviation"`
}

// State is the live workflow record for one incident. Durations are
// computed from the injection instant using the engine's clock:
// time-to-detect stops when diagnosis starts, time-to-remediate when
// verification starts, time-to-resolve when the incident resolves.
type State struct {
	IncidentID string        `json:"incidentId"`
	DeviceID   string        `json:"deviceId,omitempty"`
	FaultType  string        `json:"faultType,omitempty"`
	Stage      Stage         `json:"stage"`
	History    []StageRecord `json:"history"`
	Errors     []string      `json:"errors,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
	TTDMillis  int64         `json:"ttdMillis,omitempty"`
	TTRMillis  int64         `json:"ttrMillis,omitempty"`
	TTTRMillis int64         `json:"tttrMillis,omitempty"`
}
