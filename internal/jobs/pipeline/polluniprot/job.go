package polluniprot

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/varianteffect/mavedb-worker/internal/clients/uniprot"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "poll_uniprot_mapping_jobs_for_score_set"

/*
Run checks each UniProt ID-mapping job recorded in job_params. Jobs that
are not ready yet are logged and left for a later retry of this poll job;
ready jobs with an unambiguous result update the target gene's
UniProt-derived fields. Ambiguous results are counted and skipped rather
than guessed at.
*/
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	params := jm.Job().ParamsMap()
	entries, _ := params["uniprot_jobs"].([]any)
	if len(entries) == 0 {
		return runtime.Skipped(map[string]any{
			"reason":       "no uniprot jobs recorded in job_params",
			"score_set_id": scoreSetID.String(),
		})
	}

	updated, pending, ambiguous := 0, 0, 0
	for i, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		jobID := jobutil.StringParam(entry, "job_id")
		targetRaw := jobutil.StringParam(entry, "target_gene_id")
		if jobID == "" || targetRaw == "" {
			continue
		}
		targetGeneID, err := uuid.Parse(targetRaw)
		if err != nil {
			continue
		}

		var ready bool
		err = wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
			var callErr error
			ready, callErr = wc.Clients.UniProt.CheckReady(ctx, jobID)
			return callErr
		})
		if err != nil {
			return runtime.Failed(err, map[string]any{"job_id": jobID})
		}
		if !ready {
			pending++
			wc.Log.Info("UniProt mapping job not ready yet",
				"score_set_id", scoreSetID.String(),
				"uniprot_job_id", jobID,
			)
			continue
		}

		var results *uniprot.Results
		err = wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
			var callErr error
			results, callErr = wc.Clients.UniProt.GetResults(ctx, jobID)
			return callErr
		})
		if err != nil {
			return runtime.Failed(err, map[string]any{"job_id": jobID})
		}

		accession, err := uniprot.ExtractID(results)
		if err != nil {
			ambiguous++
			wc.Log.Warn("UniProt mapping result unusable",
				"score_set_id", scoreSetID.String(),
				"uniprot_job_id", jobID,
				"error", err.Error(),
			)
			continue
		}

		meta, merr := json.Marshal(map[string]any{
			"uniprot_job_id": jobID,
			"results":        results,
		})
		if merr != nil {
			return runtime.Failed(merr, nil)
		}
		if uerr := wc.Repos.TargetGenes.UpdateFields(dbc, targetGeneID, map[string]interface{}{
			"uniprot_accession": accession,
			"uniprot_metadata":  datatypes.JSON(meta),
		}); uerr != nil {
			return runtime.Failed(uerr, nil)
		}
		updated++

		if perr := jm.UpdateProgress((i+1)*100/len(entries), 100, "Polling UniProt mapping jobs"); perr != nil {
			return runtime.Failed(perr, nil)
		}
	}

	return runtime.OK(map[string]any{
		"score_set_id": scoreSetID.String(),
		"checked":      len(entries),
		"updated":      updated,
		"pending":      pending,
		"ambiguous":    ambiguous,
	})
}
