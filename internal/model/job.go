package model

import "time"

// LifecycleState is the state of a job as a whole.
type LifecycleState string

const (
	JobPending  LifecycleState = "pending"
	JobRunning  LifecycleState = "running"
	JobComplete LifecycleState = "complete"
	JobPartial  LifecycleState = "partial"
	JobFailed   LifecycleState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s LifecycleState) Terminal() bool {
	return s == JobComplete || s == JobPartial || s == JobFailed
}

// Rank orders lifecycle states so stores can reject regressing writes.
// All terminal states share the highest rank.
func (s LifecycleState) Rank() int {
	switch s {
	case JobPending:
		return 0
	case JobRunning:
		return 1
	case JobComplete, JobPartial, JobFailed:
		return 2
	default:
		return -1
	}
}

// Subject is the website (and optional business metadata) being assessed.
type Subject struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	LeadID   string `json:"lead_id,omitempty"`
	Industry string `json:"industry,omitempty"`
}

// Job is one assessment request.
type Job struct {
	ID        string         `json:"id"`
	Subject   Subject        `json:"subject"`
	Pipeline  []TaskKind     `json:"pipeline"`
	State     LifecycleState `json:"state"`
	Deadline  time.Time      `json:"deadline"`
	CreatedAt time.Time      `json:"created_at"`
}

// JobContext is the read-only view handed to every task unit.
type JobContext struct {
	JobID   string
	Subject Subject
}

// StatusSnapshot is one write of the live status view.
type StatusSnapshot struct {
	State LifecycleState `json:"state"`
	Tasks []KindStatus   `json:"tasks"`
}

// JobStatus is what pollers see: lifecycle, per-kind progress and, once
// terminal, the aggregate result.
type JobStatus struct {
	JobID     string           `json:"job_id"`
	Subject   Subject          `json:"subject"`
	Pipeline  []TaskKind       `json:"pipeline"`
	State     LifecycleState   `json:"state"`
	Tasks     []KindStatus     `json:"tasks"`
	Result    *AggregateResult `json:"result,omitempty"`
	Deadline  time.Time        `json:"deadline"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
