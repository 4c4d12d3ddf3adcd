package manager

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gorm.io/datatypes"

	jobsrepo "github.com/varianteffect/mavedb-worker/internal/data/repos/jobs"
	"github.com/varianteffect/mavedb-worker/internal/data/repos/testutil"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

func newJobManagerEnv(t *testing.T) (dbctx.Context, jobsrepo.JobRunRepo) {
	t.Helper()
	gdb := testutil.DB(t)
	return testutil.Ctx(gdb), jobsrepo.NewJobRunRepo(gdb, testutil.Log())
}

func createJob(t *testing.T, dbc dbctx.Context, repo jobsrepo.JobRunRepo, job *types.JobRun) *types.JobRun {
	t.Helper()
	if job == nil {
		job = &types.JobRun{JobFunction: "map_variants_for_score_set"}
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	created, err := repo.Create(dbc, []*types.JobRun{job})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return created[0]
}

func TestJobLifecycleSuccess(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, err := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err != nil {
		t.Fatalf("new job manager: %v", err)
	}
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := jm.UpdateProgress(50, 100, "halfway"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := jm.SucceedJob(map[string]any{"variants_created": 12}); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	got, err := repo.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != types.JobSucceeded {
		t.Fatalf("status = %q, want succeeded", got.Status)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("started_at/finished_at not stamped: %+v", got)
	}
	result, ok := got.MetadataMap()["result"].(map[string]any)
	if !ok {
		t.Fatalf("metadata.result missing: %s", got.Metadata)
	}
	if result["variants_created"] != float64(12) {
		t.Fatalf("result = %v", result)
	}
}

func TestStartJobRejectsTerminalStatus(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, err := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err != nil {
		t.Fatalf("new job manager: %v", err)
	}
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := jm.SucceedJob(nil); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	err = jm.StartJob()
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("restarting a succeeded job: got %v, want TransitionError", err)
	}
}

func TestFailJobClassifiesValidationErrors(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	cause := &ValidationError{Message: "scores column missing"}
	if err := jm.FailJob(cause, nil, ""); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := repo.GetByID(dbc, job.ID)
	if got.FailureCategory != types.FailureValidationError {
		t.Fatalf("failure_category = %q, want validation_error", got.FailureCategory)
	}
	if got.ErrorMessage != "scores column missing" {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
	if jm.ShouldRetry() {
		t.Fatal("validation failures must not auto-retry")
	}
}

func TestFailJobTimeoutIsRetryable(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := jm.FailJob(context.DeadlineExceeded, nil, ""); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := repo.GetByID(dbc, job.ID)
	if got.FailureCategory != types.FailureTimeout {
		t.Fatalf("failure_category = %q, want timeout", got.FailureCategory)
	}
	if !jm.ShouldRetry() {
		t.Fatal("timeout under max_retries should auto-retry")
	}
}

func TestShouldRetryStopsAtMaxRetries(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, &types.JobRun{
		JobFunction: "map_variants_for_score_set",
		MaxRetries:  2,
		RetryCount:  2,
	})

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := jm.FailJob(context.DeadlineExceeded, nil, ""); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if jm.ShouldRetry() {
		t.Fatal("retry budget exhausted, should not retry")
	}
}

func TestPrepareRetryRecordsHistoryAndResets(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := jm.FailJob(context.DeadlineExceeded, map[string]any{"partial": true}, "stack"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := jm.PrepareRetry("automatic retry after transient failure"); err != nil {
		t.Fatalf("prepare retry: %v", err)
	}

	got, _ := repo.GetByID(dbc, job.ID)
	if got.Status != types.JobPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatalf("timestamps not cleared: %+v", got)
	}
	if got.ErrorMessage != "" || got.FailureCategory != "" || got.ErrorTraceback != "" {
		t.Fatalf("error fields not cleared: %+v", got)
	}

	meta := got.MetadataMap()
	if _, ok := meta["result"]; ok {
		t.Fatal("metadata.result should be dropped on retry")
	}
	history, ok := meta["retry_history"].([]any)
	if !ok || len(history) != 1 {
		t.Fatalf("retry_history = %v", meta["retry_history"])
	}
	entry := history[0].(map[string]any)
	if entry["prior_status"] != "failed" {
		t.Fatalf("prior_status = %v", entry["prior_status"])
	}
	prior, _ := entry["prior_result"].(map[string]any)
	if prior["partial"] != true {
		t.Fatalf("prior_result = %v", entry["prior_result"])
	}
}

func TestPrepareRetryRejectsRunningJob(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := jm.PrepareRetry("nope")
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("retrying a running job: got %v, want TransitionError", err)
	}
}

func TestResetJobClearsEverything(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, &types.JobRun{
		JobFunction: "map_variants_for_score_set",
		Metadata:    datatypes.JSON([]byte(`{"result":{"old":true}}`)),
	})

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := jm.FailJob(errors.New("boom"), nil, ""); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := jm.ResetJob(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, _ := repo.GetByID(dbc, job.ID)
	if got.Status != types.JobPending || got.RetryCount != 0 {
		t.Fatalf("status/retry_count = %q/%d", got.Status, got.RetryCount)
	}
	var meta map[string]any
	if err := json.Unmarshal(got.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if len(meta) != 0 {
		t.Fatalf("metadata not blanked: %v", meta)
	}
}

func TestUpdateProgressClamps(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.UpdateProgress(150, 100, "overshoot"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := repo.GetByID(dbc, job.ID)
	if got.ProgressCurrent != 100 {
		t.Fatalf("progress_current = %d, want clamped 100", got.ProgressCurrent)
	}
	if err := jm.UpdateProgress(-5, 100, "undershoot"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ = repo.GetByID(dbc, job.ID)
	if got.ProgressCurrent != 0 {
		t.Fatalf("progress_current = %d, want clamped 0", got.ProgressCurrent)
	}
}

func TestIsCancelledReflectsExternalCancel(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if jm.IsCancelled() {
		t.Fatal("running job reported cancelled")
	}
	if err := jm.CancelJob(map[string]any{"reason": "operator request"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !jm.IsCancelled() {
		t.Fatal("cancelled job not reported cancelled")
	}
}

func TestIsCancelledSeesAnotherManagersCancel(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, nil)

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A coordinator on another worker cancels the row out from under the
	// running manager.
	other, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := other.CancelJob(map[string]any{"reason": "pipeline cancelled"}); err != nil {
		t.Fatalf("external cancel: %v", err)
	}

	if !jm.IsCancelled() {
		t.Fatal("running manager did not observe the external cancel")
	}
}

func TestPrepareRetryKeepsRetryCountWithinBudget(t *testing.T) {
	dbc, repo := newJobManagerEnv(t)
	job := createJob(t, dbc, repo, &types.JobRun{
		JobFunction: "map_variants_for_score_set",
		MaxRetries:  3,
		RetryCount:  3,
	})

	jm, _ := NewJobManager(dbc, repo, nil, job.ID, testutil.Log())
	if err := jm.StartJob(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := jm.FailJob(context.DeadlineExceeded, nil, ""); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if jm.ShouldRetry() {
		t.Fatal("exhausted job must not auto-retry")
	}

	// An explicit retry of an exhausted job raises max_retries alongside the
	// count so retry_count never exceeds it.
	if err := jm.PrepareRetry("pipeline retry requested"); err != nil {
		t.Fatalf("prepare retry: %v", err)
	}
	got, _ := repo.GetByID(dbc, job.ID)
	if got.RetryCount != 4 {
		t.Fatalf("retry_count = %d, want 4", got.RetryCount)
	}
	if got.RetryCount > got.MaxRetries {
		t.Fatalf("retry_count %d exceeds max_retries %d", got.RetryCount, got.MaxRetries)
	}
}
