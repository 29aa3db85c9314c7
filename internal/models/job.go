package models

import "time"

// JobStatus is the lifecycle state of an asynchronous analysis job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobKind names the unit of work a job performs.
type JobKind string

const (
	JobAnalyzeRun     JobKind = "analyze_run"
	JobAnalyzePatch   JobKind = "analyze_patch"
	JobAnalyzeMissing JobKind = "analyze_missing"
)

// Job is a pollable unit of asynchronous orchestration work. It is mutated
// only by the orchestrator's worker through the store; readers always see a
// consistent snapshot.
type Job struct {
	ID        string     `json:"job_id"`
	Kind      JobKind    `json:"kind"`
	Status    JobStatus  `json:"status"`
	Current   int        `json:"current"`
	Total     int        `json:"total"`
	Message   string     `json:"message,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	// Target identifies the run or patch the job operates on; empty for scans.
	Target string `json:"target,omitempty"`
	// CancelRequested is set by the cancel operation and honoured by the
	// worker at the next run boundary.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// JobResult is the payload of a completed job.
type JobResult struct {
	Summaries []AnalysisSummary `json:"summaries"`
	Anomalies []AnomalyResult   `json:"anomalies,omitempty"`
	Processed []string          `json:"processed,omitempty"`
}
