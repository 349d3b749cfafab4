package model

import "time"

// JobStatus is the lifecycle state of a video job.
type JobStatus string

const (
	StatusSubmitted  JobStatus = "SUBMITTED"
	StatusRouted     JobStatus = "ROUTED"
	StatusRejected   JobStatus = "REJECTED"
	StatusDebited    JobStatus = "DEBITED"
	StatusRefunded   JobStatus = "REFUNDED"
	StatusReconciled JobStatus = "RECONCILED"
)

// allowedFrom lists, for each target status, the statuses a job may move from.
// Transitions only move forward; REJECTED and RECONCILED are terminal.
var allowedFrom = map[JobStatus][]JobStatus{
	StatusRouted:     {StatusSubmitted},
	StatusRejected:   {StatusSubmitted},
	StatusDebited:    {StatusSubmitted, StatusRouted},
	StatusRefunded:   {StatusSubmitted, StatusRouted, StatusDebited},
	StatusReconciled: {StatusDebited, StatusRefunded},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses a job may hold immediately before
// moving to the given status. Used to build conditional updates.
func TransitionSources(to JobStatus) []JobStatus {
	return allowedFrom[to]
}

// Job is the durable record of a single video job. Rows are never deleted;
// routing and rejection metadata are written once.
type Job struct {
	JobID           string     `json:"jobId"`
	UserID          string     `json:"userId"`
	Status          JobStatus  `json:"status"`
	Provider        string     `json:"provider,omitempty"`
	Model           string     `json:"model,omitempty"`
	Queue           string     `json:"queue,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	DispatchedAt    *time.Time `json:"dispatchedAt,omitempty"`
	SubmittedAt     time.Time  `json:"submittedAt"`
	LastUpdated     time.Time  `json:"lastUpdated"`

	// Payload keeps the original submission so the catch-up scanner can
	// replay a stuck job through the same path the live event took.
	Payload []byte `json:"-"`
}
