package domain

import "time"

// JobState tracks a single delivery through the worker.
type JobState string

const (
	JobStateDelivered   JobState = "delivered"
	JobStateDispatching JobState = "dispatching"
	JobStateSucceeded   JobState = "succeeded"
	JobStateFailed      JobState = "failed"
	// JobStateDropped is a resolved job that was never dispatched (no function reference).
	JobStateDropped JobState = "dropped"
)

// Terminal reports whether no further transition happens in this process.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateDropped
}

// DispatchRecord is the outcome of one job delivery.
type DispatchRecord struct {
	JobID          string         `json:"job_id"`
	Queue          string         `json:"queue"`
	FunctionRef    string         `json:"function_ref"`
	InvocationType InvocationType `json:"invocation_type"`
	Delivery       int            `json:"delivery"`
	State          JobState       `json:"state"`
	ErrorKind      string         `json:"error_kind"`
	Error          string         `json:"error"`
	Duration       time.Duration  `json:"duration"`
	At             time.Time      `json:"at"`
}
