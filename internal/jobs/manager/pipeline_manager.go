package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	jobsrepo "github.com/varianteffect/mavedb-worker/internal/data/repos/jobs"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
	"github.com/varianteffect/mavedb-worker/internal/queue"
)

/*
PipelineManager coordinates the jobs of one pipeline: it evaluates
dependency edges, enqueues the ready set, recomputes the aggregate status,
and cancels or skips jobs whose predecessors made them unreachable.

Like JobManager it flushes through repos inside the caller's transaction
and never commits.
*/
type PipelineManager struct {
	dbc        dbctx.Context
	jobs       jobsrepo.JobRunRepo
	pipelines  jobsrepo.PipelineRepo
	queue      queue.Gateway
	log        *logger.Logger
	pipelineID uuid.UUID
}

func NewPipelineManager(dbc dbctx.Context, jobs jobsrepo.JobRunRepo, pipelines jobsrepo.PipelineRepo, q queue.Gateway, pipelineID uuid.UUID, baseLog *logger.Logger) *PipelineManager {
	return &PipelineManager{
		dbc:        dbc,
		jobs:       jobs,
		pipelines:  pipelines,
		queue:      q,
		log:        baseLog.With("component", "PipelineManager", "pipeline_id", pipelineID.String()),
		pipelineID: pipelineID,
	}
}

func (m *PipelineManager) PipelineID() uuid.UUID { return m.pipelineID }

func (m *PipelineManager) load() (*types.Pipeline, error) {
	p, err := m.pipelines.GetByID(m.dbc, m.pipelineID)
	if err != nil {
		return nil, &CoordinationError{PipelineID: m.pipelineID, Op: "load", Err: err}
	}
	if p == nil {
		return nil, &CoordinationError{PipelineID: m.pipelineID, Op: "load", Err: fmt.Errorf("pipeline not found")}
	}
	return p, nil
}

// StartPipeline moves a created or paused pipeline to running. When
// coordinate is false the ready set is not enqueued; callers use this when
// the start happens inside a job's own execution, where the decorator's
// post-run coordination would otherwise enqueue the ready set twice.
func (m *PipelineManager) StartPipeline(coordinate bool) error {
	p, err := m.load()
	if err != nil {
		return err
	}
	if !p.Status.Startable() {
		return &CoordinationError{
			PipelineID: m.pipelineID,
			Op:         "start_pipeline",
			Err:        fmt.Errorf("cannot start pipeline in status %q", p.Status),
		}
	}
	if err := m.setStatus(p, types.PipelineRunning); err != nil {
		return err
	}
	if coordinate {
		return m.CoordinatePipeline()
	}
	return nil
}

// CoordinatePipeline is the re-entry point after any job terminates.
func (m *PipelineManager) CoordinatePipeline() error {
	p, err := m.load()
	if err != nil {
		return err
	}
	if p.Status.Terminal() || p.Status == types.PipelinePaused {
		return nil
	}

	next, err := m.computeStatus(p)
	if err != nil {
		return err
	}
	if next == types.PipelineFailed {
		// A failed predecessor only blocks success_required dependents;
		// completion_required dependents still run. Drain the reachable
		// remainder before finalizing.
		return m.coordinateAfterFailure(p)
	}
	if next != p.Status {
		if err := m.setStatus(p, next); err != nil {
			return err
		}
	}

	switch p.Status {
	case types.PipelineCancelled:
		if err := m.CancelRemainingJobs(fmt.Sprintf("pipeline entered status %q", p.Status)); err != nil {
			return err
		}
	case types.PipelineRunning:
		if err := m.EnqueueReadyJobs(); err != nil {
			return err
		}
		// The enqueue pass may have reclassified unreachable jobs as
		// skipped, which can finish the pipeline.
		next, err := m.computeStatus(p)
		if err != nil {
			return err
		}
		if next != p.Status {
			if err := m.setStatus(p, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// coordinateAfterFailure keeps a pipeline with a failed job running while
// reachable pending work remains: the enqueue pass skips dependents the
// failure made unreachable and queues those whose edges are still satisfied
// (completion_required over a failed predecessor). Once nothing is pending,
// queued, or running, the pipeline finalizes as failed.
func (m *PipelineManager) coordinateAfterFailure(p *types.Pipeline) error {
	if p.Status != types.PipelineRunning {
		if err := m.setStatus(p, types.PipelineRunning); err != nil {
			return err
		}
	}
	if err := m.EnqueueReadyJobs(); err != nil {
		return err
	}
	counts, err := m.jobs.CountByStatus(m.dbc, m.pipelineID)
	if err != nil {
		return &CoordinationError{PipelineID: m.pipelineID, Op: "count_jobs", Err: err}
	}
	if counts[types.JobPending]+counts[types.JobQueued]+counts[types.JobRunning] > 0 {
		return nil
	}
	return m.setStatus(p, types.PipelineFailed)
}

// computeStatus applies the aggregate-status truth table to the pipeline's
// job counts. It does not mutate anything.
func (m *PipelineManager) computeStatus(p *types.Pipeline) (types.PipelineStatus, error) {
	counts, err := m.jobs.CountByStatus(m.dbc, m.pipelineID)
	if err != nil {
		return p.Status, &CoordinationError{PipelineID: m.pipelineID, Op: "count_jobs", Err: err}
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return types.PipelineSucceeded, nil
	}

	failed := counts[types.JobFailed]
	running := counts[types.JobRunning] + counts[types.JobQueued]
	pending := counts[types.JobPending]
	succeeded := counts[types.JobSucceeded]
	skippedOrCancelled := counts[types.JobSkipped] + counts[types.JobCancelled]

	switch {
	case failed > 0:
		return types.PipelineFailed, nil
	case running > 0:
		return types.PipelineRunning, nil
	case pending > 0:
		// Some jobs are still waiting on dependencies; the enqueue pass
		// resolves them.
		return p.Status, nil
	case succeeded > 0:
		if succeeded == total {
			return types.PipelineSucceeded, nil
		}
		if succeeded+skippedOrCancelled == total {
			return types.PipelinePartial, nil
		}
		m.log.Warn("Pipeline contains jobs outside the terminal truth table; treating as partial",
			"counts", counts)
		return types.PipelinePartial, nil
	default:
		return types.PipelineCancelled, nil
	}
}

// EnqueueReadyJobs walks the pending set: jobs with satisfied dependencies
// move to queued and are handed to the queue gateway; jobs with unreachable
// dependencies are skipped with a structured reason.
func (m *PipelineManager) EnqueueReadyJobs() error {
	p, err := m.load()
	if err != nil {
		return err
	}
	if p.Status != types.PipelineRunning {
		return &CoordinationError{
			PipelineID: m.pipelineID,
			Op:         "enqueue_ready_jobs",
			Err:        fmt.Errorf("pipeline is %q, not running", p.Status),
		}
	}

	pendingJobs, err := m.jobs.ListByPipeline(m.dbc, m.pipelineID, types.JobPending)
	if err != nil {
		return &CoordinationError{PipelineID: m.pipelineID, Op: "list_pending", Err: err}
	}

	var toEnqueue []*types.JobRun
	for _, job := range pendingJobs {
		deps, err := m.jobs.ListDependencies(m.dbc, job.ID)
		if err != nil {
			return &CoordinationError{PipelineID: m.pipelineID, Op: "list_dependencies", Err: err}
		}
		ready, blockers := evaluateDependencies(deps)
		if len(blockers) > 0 {
			jm, err := NewJobManager(m.dbc, m.jobs, m.queue, job.ID, m.log)
			if err != nil {
				return err
			}
			if err := jm.SkipJob(map[string]any{
				"status":     "skipped",
				"reason":     "dependency unreachable",
				"blocked_by": blockers,
			}); err != nil {
				return err
			}
			continue
		}
		if !ready {
			continue
		}
		jm, err := NewJobManager(m.dbc, m.jobs, m.queue, job.ID, m.log)
		if err != nil {
			return err
		}
		if err := jm.PrepareQueue(); err != nil {
			return err
		}
		toEnqueue = append(toEnqueue, job)
	}

	for _, job := range toEnqueue {
		opts := []queue.EnqueueOption{queue.WithClientJobID(job.URN)}
		if job.RetryCount > 0 && job.RetryDelaySeconds > 0 {
			opts = append(opts, queue.WithDefer(time.Duration(job.RetryDelaySeconds)*time.Second))
		}
		if _, err := m.queue.Enqueue(m.dbc.Ctx, job.JobFunction, job.ID, opts...); err != nil {
			return &EnqueueError{JobID: job.ID, Err: err}
		}
	}
	return nil
}

// CancelRemainingJobs skips pending jobs and cancels queued or running ones.
func (m *PipelineManager) CancelRemainingJobs(reason string) error {
	active, err := m.jobs.ListByPipeline(m.dbc, m.pipelineID, types.JobPending, types.JobQueued, types.JobRunning)
	if err != nil {
		return &CoordinationError{PipelineID: m.pipelineID, Op: "list_active", Err: err}
	}
	for _, job := range active {
		jm, err := NewJobManager(m.dbc, m.jobs, m.queue, job.ID, m.log)
		if err != nil {
			return err
		}
		result := map[string]any{"reason": reason}
		if job.Status == types.JobPending {
			err = jm.SkipJob(result)
		} else {
			err = jm.CancelJob(result)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CancelPipeline explicitly stops a non-terminal pipeline.
func (m *PipelineManager) CancelPipeline(reason string) error {
	p, err := m.load()
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return &CoordinationError{
			PipelineID: m.pipelineID,
			Op:         "cancel_pipeline",
			Err:        fmt.Errorf("pipeline already terminal (%q)", p.Status),
		}
	}
	m.log.Info("Cancelling pipeline", "reason", reason)
	if err := m.setStatus(p, types.PipelineCancelled); err != nil {
		return err
	}
	return m.CancelRemainingJobs(reason)
}

func (m *PipelineManager) PausePipeline(reason string) error {
	p, err := m.load()
	if err != nil {
		return err
	}
	if p.Status != types.PipelineRunning {
		return &CoordinationError{
			PipelineID: m.pipelineID,
			Op:         "pause_pipeline",
			Err:        fmt.Errorf("cannot pause pipeline in status %q", p.Status),
		}
	}
	m.log.Info("Pausing pipeline", "reason", reason)
	return m.setStatus(p, types.PipelinePaused)
}

func (m *PipelineManager) UnpausePipeline(reason string) error {
	p, err := m.load()
	if err != nil {
		return err
	}
	if p.Status != types.PipelinePaused {
		return &CoordinationError{
			PipelineID: m.pipelineID,
			Op:         "unpause_pipeline",
			Err:        fmt.Errorf("cannot unpause pipeline in status %q", p.Status),
		}
	}
	m.log.Info("Resuming pipeline", "reason", reason)
	if err := m.setStatus(p, types.PipelineRunning); err != nil {
		return err
	}
	return m.CoordinatePipeline()
}

// RestartPipeline resets every job to a blank pending state and runs the
// pipeline again from the top.
func (m *PipelineManager) RestartPipeline() error {
	p, err := m.load()
	if err != nil {
		return err
	}
	all, err := m.jobs.ListByPipeline(m.dbc, m.pipelineID)
	if err != nil {
		return &CoordinationError{PipelineID: m.pipelineID, Op: "list_jobs", Err: err}
	}
	for _, job := range all {
		jm, err := NewJobManager(m.dbc, m.jobs, m.queue, job.ID, m.log)
		if err != nil {
			return err
		}
		if err := jm.ResetJob(); err != nil {
			return err
		}
	}
	if err := m.setStatus(p, types.PipelineCreated); err != nil {
		return err
	}
	return m.StartPipeline(true)
}

// RetryFailedJobs re-runs every failed job.
func (m *PipelineManager) RetryFailedJobs() error {
	return m.retry(types.JobFailed)
}

// RetryUnsuccessfulJobs re-runs failed, cancelled, and skipped jobs.
func (m *PipelineManager) RetryUnsuccessfulJobs() error {
	return m.retry(types.JobFailed, types.JobCancelled, types.JobSkipped)
}

func (m *PipelineManager) retry(statuses ...types.JobStatus) error {
	p, err := m.load()
	if err != nil {
		return err
	}
	targets, err := m.jobs.ListByPipeline(m.dbc, m.pipelineID, statuses...)
	if err != nil {
		return &CoordinationError{PipelineID: m.pipelineID, Op: "list_retryable", Err: err}
	}
	for _, job := range targets {
		jm, err := NewJobManager(m.dbc, m.jobs, m.queue, job.ID, m.log)
		if err != nil {
			return err
		}
		if err := jm.PrepareRetry("pipeline retry requested"); err != nil {
			return err
		}
	}
	if err := m.setStatus(p, types.PipelineRunning); err != nil {
		return err
	}
	return m.CoordinatePipeline()
}

// setStatus persists a status change with started_at/finished_at
// bookkeeping and keeps the in-memory pipeline in sync.
func (m *PipelineManager) setStatus(p *types.Pipeline, next types.PipelineStatus) error {
	if p.Status == next {
		return nil
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{"status": next}
	switch {
	case next.Terminal():
		updates["finished_at"] = now
		p.FinishedAt = &now
	case next == types.PipelineRunning && p.StartedAt == nil:
		updates["started_at"] = now
		updates["finished_at"] = nil
		p.StartedAt = &now
		p.FinishedAt = nil
	case next == types.PipelineCreated:
		updates["started_at"] = nil
		updates["finished_at"] = nil
		p.StartedAt = nil
		p.FinishedAt = nil
	default:
		updates["finished_at"] = nil
		p.FinishedAt = nil
	}
	if err := m.pipelines.UpdateFields(m.dbc, p.ID, updates); err != nil {
		return &CoordinationError{PipelineID: m.pipelineID, Op: "set_status", Err: err}
	}
	p.Status = next
	return nil
}

// evaluateDependencies applies the dependency truth table. ready is true
// when every predecessor satisfies its required relation; blockers lists
// predecessors whose status makes the dependent unreachable.
func evaluateDependencies(deps []jobsrepo.Dependency) (ready bool, blockers []map[string]any) {
	ready = true
	for _, d := range deps {
		pred := d.Predecessor
		if pred == nil {
			// Edge to a deleted job: treat as unreachable, same as cancelled.
			blockers = append(blockers, map[string]any{
				"depends_on": d.Edge.DependsOnJobID.String(),
				"status":     "missing",
				"type":       string(d.Edge.DependencyType),
			})
			ready = false
			continue
		}
		switch pred.Status {
		case types.JobSucceeded:
			// Satisfies both dependency types.
		case types.JobFailed:
			if d.Edge.DependencyType == types.SuccessRequired {
				blockers = append(blockers, blockerEntry(pred, d))
				ready = false
			}
		case types.JobSkipped, types.JobCancelled:
			blockers = append(blockers, blockerEntry(pred, d))
			ready = false
		default:
			// Predecessor still pending, queued, or running: wait.
			ready = false
		}
	}
	return ready, blockers
}

func blockerEntry(pred *types.JobRun, d jobsrepo.Dependency) map[string]any {
	return map[string]any{
		"depends_on":  pred.ID.String(),
		"depends_urn": pred.URN,
		"status":      string(pred.Status),
		"type":        string(d.Edge.DependencyType),
	}
}
