package jobs

// JobStatus is the closed lifecycle set for a JobRun row.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobSkipped   JobStatus = "skipped"
)

// Startable reports whether a job in this status may transition to running.
func (s JobStatus) Startable() bool {
	return s == JobPending || s == JobQueued
}

// Terminal reports whether this status ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobSkipped:
		return true
	}
	return false
}

// Retryable reports whether PrepareRetry may move the job back to pending.
func (s JobStatus) Retryable() bool {
	switch s {
	case JobFailed, JobCancelled, JobSkipped:
		return true
	}
	return false
}

// Active reports whether the job is subject to bulk cancellation.
func (s JobStatus) Active() bool {
	switch s {
	case JobPending, JobQueued, JobRunning:
		return true
	}
	return false
}

// PipelineStatus is the closed aggregate set for a Pipeline row.
type PipelineStatus string

const (
	PipelineCreated   PipelineStatus = "created"
	PipelineRunning   PipelineStatus = "running"
	PipelinePaused    PipelineStatus = "paused"
	PipelineSucceeded PipelineStatus = "succeeded"
	PipelinePartial   PipelineStatus = "partial"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

func (s PipelineStatus) Startable() bool {
	return s == PipelineCreated || s == PipelinePaused
}

func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineSucceeded, PipelinePartial, PipelineFailed, PipelineCancelled:
		return true
	}
	return false
}

// DependencyType controls how a predecessor's final status gates the
// dependent job.
type DependencyType string

const (
	// SuccessRequired: the dependent runs only if the predecessor succeeded.
	SuccessRequired DependencyType = "success_required"
	// CompletionRequired: a failed predecessor still unblocks the dependent;
	// skipped or cancelled predecessors do not.
	CompletionRequired DependencyType = "completion_required"
)

// FailureCategory classifies a failed job for retry decisions.
type FailureCategory string

const (
	FailureNetworkError       FailureCategory = "network_error"
	FailureTimeout            FailureCategory = "timeout"
	FailureServiceUnavailable FailureCategory = "service_unavailable"
	FailureValidationError    FailureCategory = "validation_error"
	FailureUnknown            FailureCategory = "unknown"
)

// RetryableFailure reports whether automatic retry is sensible for the
// category. Validation failures are deterministic and never retried.
func (c FailureCategory) RetryableFailure() bool {
	switch c {
	case FailureNetworkError, FailureTimeout, FailureServiceUnavailable:
		return true
	}
	return false
}
