package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/queue"
)

// DispatchFunc is what the worker loop invokes for one dequeued message.
// clientJobID is the queue's dedup key (the job's urn).
type DispatchFunc func(ctx context.Context, jobID uuid.UUID, clientJobID string) error

/*
WithPipelineManagement wraps a job function with the full lifecycle
protocol. It is the only place commits happen:

 1. transaction one: start_job, commit — observers see RUNNING before any
    work begins;
 2. transaction two: the function body plus its terminal transition, so
    domain writes and the job's terminal state land atomically;
 3. transaction three: pipeline coordination, when the job belongs to one.

A panic inside the function is recorded as a failed result with the stack
as traceback; the error is returned only after the terminal state is
durable.
*/
func WithPipelineManagement(wc *Context, fn JobFunc) DispatchFunc {
	return func(ctx context.Context, jobID uuid.UUID, clientJobID string) error {
		jm, err := startJob(ctx, wc, jobID)
		if err != nil {
			// The reservation must not outlive a job that never ran.
			_ = wc.Queue.Release(ctx, clientJobID)
			return err
		}
		job := jm.Job()

		retried, runErr := runBody(ctx, wc, jobID, fn)

		// Terminal state is durable; clear the dedup reservation before any
		// re-enqueue (coordination or standalone retry) so it is not
		// suppressed as a duplicate.
		if err := wc.Queue.Release(ctx, clientJobID); err != nil {
			wc.Log.Warn("Dedup release failed",
				"job_id", jobID.String(),
				"client_job_id", clientJobID,
				"error", err.Error(),
			)
		}

		if job.PipelineID != nil {
			if err := coordinate(ctx, wc, *job.PipelineID); err != nil {
				wc.Log.Error("Pipeline coordination failed after job completion",
					"job_id", jobID.String(),
					"pipeline_id", job.PipelineID.String(),
					"error", err.Error(),
				)
				if runErr == nil {
					runErr = err
				}
			}
		} else if retried {
			// Standalone jobs have no coordinator to re-enqueue them.
			delay := time.Duration(job.RetryDelaySeconds) * time.Second
			if _, err := wc.Queue.Enqueue(ctx, job.JobFunction, jobID,
				queue.WithClientJobID(job.URN),
				queue.WithDefer(delay),
			); err != nil {
				wc.Log.Error("Retry enqueue failed",
					"job_id", jobID.String(),
					"error", err.Error(),
				)
				if runErr == nil {
					runErr = err
				}
			}
		}
		return runErr
	}
}

func startJob(ctx context.Context, wc *Context, jobID uuid.UUID) (*manager.JobManager, error) {
	tx := wc.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin start transaction: %w", tx.Error)
	}
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	jm, err := manager.NewJobManager(dbc, wc.Repos.JobRuns, wc.Queue, jobID, wc.Log)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := jm.StartJob(); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit start transaction: %w", err)
	}
	return jm, nil
}

// runBody executes the function and its terminal transition in one
// transaction. It reports whether an automatic retry was prepared.
func runBody(ctx context.Context, wc *Context, jobID uuid.UUID, fn JobFunc) (bool, error) {
	tx := wc.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, fmt.Errorf("begin job transaction: %w", tx.Error)
	}
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	jm, err := manager.NewJobManager(dbc, wc.Repos.JobRuns, wc.Queue, jobID, wc.Log)
	if err != nil {
		tx.Rollback()
		return false, err
	}

	result, traceback := invoke(dbc, wc, jm, fn)

	switch result.Status {
	case StatusOK:
		err = jm.SucceedJob(result.AsMap())
	case StatusSkipped:
		err = jm.SkipJob(result.AsMap())
	default:
		err = jm.FailJob(result.Err, result.AsMap(), traceback)
	}
	if err != nil {
		tx.Rollback()
		return false, err
	}

	retried := false
	if jm.ShouldRetry() {
		if err := jm.PrepareRetry("automatic retry after transient failure"); err != nil {
			tx.Rollback()
			return false, err
		}
		retried = true
	}

	if err := tx.Commit().Error; err != nil {
		return false, fmt.Errorf("commit job transaction: %w", err)
	}
	return retried, result.Err
}

// invoke runs fn, converting a panic into a failed result carrying the
// stack so the worker process survives misbehaving jobs.
func invoke(dbc dbctx.Context, wc *Context, jm *manager.JobManager, fn JobFunc) (result *Result, traceback string) {
	defer func() {
		if r := recover(); r != nil {
			traceback = string(debug.Stack())
			result = Errored(fmt.Errorf("job panic: %v", r), nil)
			wc.Log.Error("Job function panicked",
				"job_id", jm.Job().ID.String(),
				"job_function", jm.Job().JobFunction,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	result = fn(dbc, wc, jm)
	if result == nil {
		result = OK(nil)
	}
	return result, ""
}

func coordinate(ctx context.Context, wc *Context, pipelineID uuid.UUID) error {
	tx := wc.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin coordination transaction: %w", tx.Error)
	}
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	pm := manager.NewPipelineManager(dbc, wc.Repos.JobRuns, wc.Repos.Pipelines, wc.Queue, pipelineID, wc.Log)
	if err := pm.CoordinatePipeline(); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit coordination transaction: %w", err)
	}
	return nil
}
