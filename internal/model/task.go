package model

import (
	"encoding/json"
	"slices"
)

// TaskKind identifies one category of remote metric collection.
type TaskKind string

const (
	TaskPerformance     TaskKind = "performance"
	TaskSecurity        TaskKind = "security"
	TaskBusinessProfile TaskKind = "business_profile"
	TaskSEO             TaskKind = "seo"
	TaskScreenshot      TaskKind = "screenshot"
	TaskContent         TaskKind = "content"
)

// AllTaskKinds lists every known task kind in canonical pipeline order.
var AllTaskKinds = []TaskKind{
	TaskPerformance,
	TaskSecurity,
	TaskBusinessProfile,
	TaskSEO,
	TaskScreenshot,
	TaskContent,
}

// Valid reports whether k is one of the enumerated task kinds.
func (k TaskKind) Valid() bool {
	return slices.Contains(AllTaskKinds, k)
}

// OutcomeStatus is the state of one task kind's attempt sequence.
type OutcomeStatus string

const (
	OutcomeNotStarted    OutcomeStatus = "not_started"
	OutcomeAttempting    OutcomeStatus = "attempting"
	OutcomeSucceeded     OutcomeStatus = "succeeded"
	OutcomeFailed        OutcomeStatus = "failed"
	OutcomeTimedOut      OutcomeStatus = "timed_out"
	OutcomeSkippedBudget OutcomeStatus = "skipped_budget"
	// OutcomeNotAttempted marks a pipeline kind that never produced an
	// outcome. Only the aggregator assigns it.
	OutcomeNotAttempted OutcomeStatus = "not_attempted"
)

// Terminal reports whether the status is final.
func (s OutcomeStatus) Terminal() bool {
	switch s {
	case OutcomeSucceeded, OutcomeFailed, OutcomeTimedOut, OutcomeSkippedBudget, OutcomeNotAttempted:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a failure.
type ErrorKind string

const (
	ErrorTransient       ErrorKind = "transient"
	ErrorPermanent       ErrorKind = "permanent"
	ErrorBudgetExhausted ErrorKind = "budget_exhausted"
	ErrorTimeout         ErrorKind = "timeout"
	ErrorSupervisorFatal ErrorKind = "supervisor_fatal"
)

// FailureDetail describes why a task kind did not succeed.
type FailureDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// TaskOutcome is the terminal result of one task kind's attempt sequence.
type TaskOutcome struct {
	Kind      TaskKind        `json:"kind"`
	Status    OutcomeStatus   `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Failure   *FailureDetail  `json:"failure,omitempty"`
	Attempts  int             `json:"attempts"`
	ElapsedMs int64           `json:"elapsed_ms"`
	CostUSD   float64         `json:"cost_usd"`
}

// Succeeded reports whether the outcome carries a payload.
func (o TaskOutcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded
}

// KindStatus is the live view of one task kind while a job runs.
type KindStatus struct {
	Kind     TaskKind      `json:"kind"`
	State    OutcomeStatus `json:"state"`
	Attempts int           `json:"attempts"`
	CostUSD  float64       `json:"cost_usd"`
}
