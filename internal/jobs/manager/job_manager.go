package manager

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	jobsrepo "github.com/varianteffect/mavedb-worker/internal/data/repos/jobs"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
	"github.com/varianteffect/mavedb-worker/internal/queue"
)

/*
JobManager owns the lifecycle of one job_run row. Every method mutates the
row through the repo inside the caller's transaction and keeps the in-memory
copy in sync. It never commits; the decorator owns commit boundaries.
*/
type JobManager struct {
	dbc   dbctx.Context
	repo  jobsrepo.JobRunRepo
	queue queue.Gateway
	log   *logger.Logger
	job   *types.JobRun
}

func NewJobManager(dbc dbctx.Context, repo jobsrepo.JobRunRepo, q queue.Gateway, jobID uuid.UUID, baseLog *logger.Logger) (*JobManager, error) {
	job, err := repo.GetByID(dbc, jobID)
	if err != nil {
		return nil, &StatePersistenceError{Op: "load", Err: err}
	}
	if job == nil {
		return nil, &StatePersistenceError{Op: "load", Err: fmt.Errorf("job %s not found", jobID)}
	}
	return &JobManager{
		dbc:   dbc,
		repo:  repo,
		queue: q,
		log:   baseLog.With("component", "JobManager", "job_id", jobID.String(), "job_function", job.JobFunction),
		job:   job,
	}, nil
}

// Job returns the managed row as last flushed.
func (m *JobManager) Job() *types.JobRun { return m.job }

// StartJob moves a pending or queued job to running and stamps started_at.
func (m *JobManager) StartJob() error {
	if !m.job.Status.Startable() {
		return &TransitionError{JobID: m.job.ID, Op: "start_job", From: string(m.job.Status), To: string(types.JobRunning)}
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":           types.JobRunning,
		"started_at":       now,
		"progress_current": 0,
		"progress_total":   100,
		"progress_message": "Job began execution",
	}
	if err := m.apply("start_job", updates); err != nil {
		return err
	}
	m.job.Status = types.JobRunning
	m.job.StartedAt = &now
	m.job.ProgressCurrent = 0
	m.job.ProgressTotal = 100
	m.job.ProgressMessage = "Job began execution"
	return nil
}

// PrepareQueue marks a pending job as accepted by the work queue.
func (m *JobManager) PrepareQueue() error {
	if m.job.Status != types.JobPending {
		return &TransitionError{JobID: m.job.ID, Op: "prepare_queue", From: string(m.job.Status), To: string(types.JobQueued)}
	}
	msg := "Waiting for an available worker"
	if err := m.apply("prepare_queue", map[string]interface{}{
		"status":           types.JobQueued,
		"progress_message": msg,
	}); err != nil {
		return err
	}
	m.job.Status = types.JobQueued
	m.job.ProgressMessage = msg
	return nil
}

// CompleteJob transitions to any terminal status, stores the result under
// metadata.result and, on failure, the classified error fields.
func (m *JobManager) CompleteJob(status types.JobStatus, result map[string]any, cause error, traceback string) error {
	if !status.Terminal() {
		return &TransitionError{JobID: m.job.ID, Op: "complete_job", From: string(m.job.Status), To: string(status)}
	}
	now := time.Now().UTC()
	meta := m.job.MetadataMap()
	if result == nil {
		result = map[string]any{}
	}
	meta["result"] = result

	updates := map[string]interface{}{
		"status":      status,
		"finished_at": now,
	}
	if status == types.JobFailed {
		category := ClassifyFailure(cause)
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		updates["failure_category"] = category
		updates["error_message"] = msg
		updates["error_traceback"] = traceback
		m.job.FailureCategory = category
		m.job.ErrorMessage = msg
		m.job.ErrorTraceback = traceback
	}
	if err := m.apply("complete_job", updates); err != nil {
		return err
	}
	if err := m.saveMetadata("complete_job", meta); err != nil {
		return err
	}
	m.job.Status = status
	m.job.FinishedAt = &now
	return nil
}

func (m *JobManager) SucceedJob(result map[string]any) error {
	return m.CompleteJob(types.JobSucceeded, result, nil, "")
}

func (m *JobManager) FailJob(cause error, result map[string]any, traceback string) error {
	return m.CompleteJob(types.JobFailed, result, cause, traceback)
}

func (m *JobManager) CancelJob(result map[string]any) error {
	return m.CompleteJob(types.JobCancelled, result, nil, "")
}

func (m *JobManager) SkipJob(result map[string]any) error {
	return m.CompleteJob(types.JobSkipped, result, nil, "")
}

// PrepareRetry moves a failed, cancelled, or skipped job back to pending,
// clears its execution fields, and appends a retry-history entry. The prior
// result is recorded in the history entry and dropped from metadata.result.
func (m *JobManager) PrepareRetry(reason string) error {
	if !m.job.Status.Retryable() {
		return &TransitionError{JobID: m.job.ID, Op: "prepare_retry", From: string(m.job.Status), To: string(types.JobPending)}
	}
	now := time.Now().UTC()
	meta := m.job.MetadataMap()
	history, _ := meta["retry_history"].([]any)
	entry := map[string]any{
		"attempt":      m.job.RetryCount + 1,
		"at":           now.Format(time.RFC3339),
		"prior_status": string(m.job.Status),
		"prior_result": meta["result"],
		"reason":       reason,
	}
	meta["retry_history"] = append(history, entry)
	delete(meta, "result")

	// An explicit retry of an exhausted job grants headroom, keeping
	// retry_count <= max_retries at all times.
	nextRetry := m.job.RetryCount + 1
	updates := map[string]interface{}{
		"status":           types.JobPending,
		"retry_count":      nextRetry,
		"started_at":       nil,
		"finished_at":      nil,
		"failure_category": "",
		"error_message":    "",
		"error_traceback":  "",
		"progress_current": 0,
		"progress_message": "",
	}
	if nextRetry > m.job.MaxRetries {
		updates["max_retries"] = nextRetry
	}
	if err := m.apply("prepare_retry", updates); err != nil {
		return err
	}
	if err := m.saveMetadata("prepare_retry", meta); err != nil {
		return err
	}
	m.job.Status = types.JobPending
	m.job.RetryCount = nextRetry
	if nextRetry > m.job.MaxRetries {
		m.job.MaxRetries = nextRetry
	}
	m.job.StartedAt = nil
	m.job.FinishedAt = nil
	m.job.FailureCategory = ""
	m.job.ErrorMessage = ""
	m.job.ErrorTraceback = ""
	m.job.ProgressCurrent = 0
	m.job.ProgressMessage = ""
	return nil
}

// ResetJob returns the job to a blank pending state, as if never run.
func (m *JobManager) ResetJob() error {
	updates := map[string]interface{}{
		"status":           types.JobPending,
		"retry_count":      0,
		"started_at":       nil,
		"finished_at":      nil,
		"failure_category": "",
		"error_message":    "",
		"error_traceback":  "",
		"progress_current": 0,
		"progress_total":   100,
		"progress_message": "",
	}
	if err := m.apply("reset_job", updates); err != nil {
		return err
	}
	if err := m.saveMetadata("reset_job", map[string]any{}); err != nil {
		return err
	}
	m.job.Status = types.JobPending
	m.job.RetryCount = 0
	m.job.StartedAt = nil
	m.job.FinishedAt = nil
	m.job.FailureCategory = ""
	m.job.ErrorMessage = ""
	m.job.ErrorTraceback = ""
	m.job.ProgressCurrent = 0
	m.job.ProgressTotal = 100
	m.job.ProgressMessage = ""
	return nil
}

func (m *JobManager) UpdateProgress(current, total int, message string) error {
	if total < 1 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	if err := m.apply("update_progress", map[string]interface{}{
		"progress_current": current,
		"progress_total":   total,
		"progress_message": message,
	}); err != nil {
		return err
	}
	m.job.ProgressCurrent = current
	m.job.ProgressTotal = total
	m.job.ProgressMessage = message
	return nil
}

func (m *JobManager) IncrementProgress(delta int, message string) error {
	return m.UpdateProgress(m.job.ProgressCurrent+delta, m.job.ProgressTotal, message)
}

func (m *JobManager) SetProgressTotal(total int) error {
	return m.UpdateProgress(m.job.ProgressCurrent, total, m.job.ProgressMessage)
}

func (m *JobManager) UpdateStatusMessage(message string) error {
	if err := m.apply("update_status_message", map[string]interface{}{
		"progress_message": message,
	}); err != nil {
		return err
	}
	m.job.ProgressMessage = message
	return nil
}

// IsCancelled is polled by long jobs at progress checkpoints for
// cooperative early exit. The status is re-read from the store so a cancel
// written by another worker's coordinator is observed mid-run.
func (m *JobManager) IsCancelled() bool {
	if fresh, err := m.repo.GetByID(m.dbc, m.job.ID); err == nil && fresh != nil {
		m.job.Status = fresh.Status
	}
	switch m.job.Status {
	case types.JobCancelled, types.JobSkipped, types.JobFailed:
		return true
	}
	return false
}

// ShouldRetry reports whether an automatic retry is warranted: the job
// failed, has attempts left, and its failure category is a transient kind.
func (m *JobManager) ShouldRetry() bool {
	return m.job.Status == types.JobFailed &&
		m.job.RetryCount < m.job.MaxRetries &&
		m.job.FailureCategory.RetryableFailure()
}

func (m *JobManager) apply(op string, updates map[string]interface{}) error {
	if err := m.repo.UpdateFields(m.dbc, m.job.ID, updates); err != nil {
		return &StatePersistenceError{Op: op, Err: err}
	}
	return nil
}

func (m *JobManager) saveMetadata(op string, meta map[string]any) error {
	if err := m.repo.SaveMetadata(m.dbc, m.job.ID, meta); err != nil {
		return &StatePersistenceError{Op: op, Err: err}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return &StatePersistenceError{Op: op, Err: err}
	}
	m.job.Metadata = datatypes.JSON(b)
	return nil
}
