package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
	"github.com/varianteffect/mavedb-worker/internal/queue"
)

/*
Worker polls the queue and dispatches registered job functions. One poller
goroutine runs per registered function; a shared weighted semaphore caps how
many jobs execute at once across all functions (WORKER_CONCURRENCY).
*/
type Worker struct {
	wc       *runtime.Context
	registry *runtime.Registry
	log      *logger.Logger

	dispatch map[string]runtime.DispatchFunc
	slots    *semaphore.Weighted
}

func New(wc *runtime.Context, registry *runtime.Registry) (*Worker, error) {
	if wc == nil || registry == nil {
		return nil, fmt.Errorf("worker: context and registry required")
	}
	names := registry.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("worker: no job functions registered")
	}
	dispatch := make(map[string]runtime.DispatchFunc, len(names))
	for _, name := range names {
		fn, _ := registry.Get(name)
		dispatch[name] = runtime.WithPipelineManagement(wc, fn)
	}
	return &Worker{
		wc:       wc,
		registry: registry,
		log:      wc.Log.With("component", "Worker"),
		dispatch: dispatch,
		slots:    semaphore.NewWeighted(int64(wc.Config.WorkerConcurrency)),
	}, nil
}

// Run blocks until ctx is cancelled, then drains in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	names := w.registry.Names()
	w.log.Info("Worker starting",
		"functions", len(names),
		"concurrency", w.wc.Config.WorkerConcurrency,
		"poll_interval", w.wc.Config.PollInterval.String(),
	)

	done := make(chan struct{}, len(names))
	for _, name := range names {
		go func(function string) {
			defer func() { done <- struct{}{} }()
			w.poll(ctx, function)
		}(name)
	}
	for range names {
		<-done
	}

	// Wait for in-flight jobs by taking every slot.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.slots.Acquire(drainCtx, int64(w.wc.Config.WorkerConcurrency)); err != nil {
		w.log.Warn("Worker shutdown drain timed out", "error", err.Error())
		return err
	}
	w.log.Info("Worker stopped")
	return nil
}

func (w *Worker) poll(ctx context.Context, function string) {
	log := w.log.With("job_function", function)
	ticker := time.NewTicker(w.wc.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything currently ready before sleeping again.
		for {
			msg, err := w.wc.Queue.Dequeue(ctx, function)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("Dequeue failed", "error", err.Error())
				break
			}
			if msg == nil {
				break
			}
			if err := w.slots.Acquire(ctx, 1); err != nil {
				return
			}
			go w.run(ctx, function, msg)
		}
	}
}

func (w *Worker) run(ctx context.Context, function string, msg *queue.Message) {
	defer w.slots.Release(1)
	log := w.log.With("job_function", function, "job_id", msg.JobID.String())

	defer func() {
		if r := recover(); r != nil {
			log.Error("Dispatch panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()

	start := time.Now()
	if err := w.dispatch[function](ctx, msg.JobID, msg.ClientJobID); err != nil {
		log.Warn("Job finished with error",
			"elapsed", time.Since(start).String(),
			"error", err.Error(),
		)
		return
	}
	log.Info("Job finished", "elapsed", time.Since(start).String())
}
