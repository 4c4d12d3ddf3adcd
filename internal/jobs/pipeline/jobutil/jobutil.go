package jobutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/queue"
)

// ScoreSetID pulls the required score_set_id parameter off the job.
func ScoreSetID(jm *manager.JobManager) (uuid.UUID, error) {
	params := jm.Job().ParamsMap()
	raw, ok := params["score_set_id"].(string)
	if !ok || raw == "" {
		return uuid.Nil, &manager.ValidationError{Message: "job_params missing score_set_id"}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &manager.ValidationError{
			Message: "job_params score_set_id is not a uuid",
			Detail:  map[string]any{"score_set_id": raw},
		}
	}
	return id, nil
}

// IntParam reads an integer parameter, tolerating JSON's float decoding.
func IntParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func StringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// Chain creates a successor job in the same pipeline (if any), marks it
// queued, and enqueues it with the given defer. The new job's urn is its
// queue-side dedup id.
func Chain(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager, function string, params map[string]any, deferBy time.Duration) (uuid.UUID, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return uuid.Nil, fmt.Errorf("chain %s: encode params: %w", function, err)
	}
	row := &types.JobRun{
		JobFunction:       function,
		PipelineID:        jm.Job().PipelineID,
		JobParams:         datatypes.JSON(b),
		MaxRetries:        wc.Config.JobDefaultMaxRetries,
		RetryDelaySeconds: int(deferBy / time.Second),
	}
	created, err := wc.Repos.JobRuns.Create(dbc, []*types.JobRun{row})
	if err != nil {
		return uuid.Nil, fmt.Errorf("chain %s: create job: %w", function, err)
	}
	next := created[0]

	njm, err := manager.NewJobManager(dbc, wc.Repos.JobRuns, wc.Queue, next.ID, wc.Log)
	if err != nil {
		return uuid.Nil, err
	}
	if err := njm.PrepareQueue(); err != nil {
		return uuid.Nil, err
	}
	if _, err := wc.Queue.Enqueue(dbc.Ctx, function, next.ID,
		queue.WithClientJobID(next.URN),
		queue.WithDefer(deferBy),
	); err != nil {
		return uuid.Nil, err
	}
	return next.ID, nil
}
