package submituniprot

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "submit_uniprot_mappings_for_score_set"

// pollName is the dependent job whose params receive the submitted ids.
const pollName = "poll_uniprot_mapping_jobs_for_score_set"

const (
	defaultFromDB = "RefSeq_Protein"
	defaultToDB   = "UniProtKB"
)

/*
Run submits one UniProt ID-mapping job per target gene that exposes a
protein sequence accession, then stores the submitted job ids in the
dependent poll job's params. ID mapping is asynchronous on UniProt's side;
the poll job picks the results up later.
*/
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	params := jm.Job().ParamsMap()
	fromDB := jobutil.StringParam(params, "from_db")
	if fromDB == "" {
		fromDB = defaultFromDB
	}
	toDB := jobutil.StringParam(params, "to_db")
	if toDB == "" {
		toDB = defaultToDB
	}

	targets, err := wc.Repos.TargetGenes.ListByScoreSet(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}

	type submitted struct {
		JobID        string `json:"job_id"`
		TargetGeneID string `json:"target_gene_id"`
		Accession    string `json:"accession"`
	}
	var jobs []submitted
	skipped := 0
	for _, target := range targets {
		accession := proteinAccession(target)
		if accession == "" {
			skipped++
			continue
		}
		var jobID string
		err := wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
			var callErr error
			jobID, callErr = wc.Clients.UniProt.Submit(ctx, fromDB, toDB, []string{accession})
			return callErr
		})
		if err != nil {
			return runtime.Failed(err, map[string]any{
				"score_set_id":   scoreSetID.String(),
				"target_gene_id": target.ID.String(),
			})
		}
		jobs = append(jobs, submitted{
			JobID:        jobID,
			TargetGeneID: target.ID.String(),
			Accession:    accession,
		})
	}
	if len(jobs) == 0 {
		return runtime.Skipped(map[string]any{
			"reason":       "no target genes expose a protein accession",
			"score_set_id": scoreSetID.String(),
		})
	}

	jobsValue := make([]any, 0, len(jobs))
	for _, j := range jobs {
		jobsValue = append(jobsValue, map[string]any{
			"job_id":         j.JobID,
			"target_gene_id": j.TargetGeneID,
			"accession":      j.Accession,
		})
	}

	pollJobID, err := storeInPollJob(dbc, wc, jm, scoreSetID.String(), jobsValue)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	return runtime.OK(map[string]any{
		"score_set_id": scoreSetID.String(),
		"submitted":    len(jobs),
		"skipped":      skipped,
		"poll_job":     pollJobID,
	})
}

// storeInPollJob writes the submitted ids into the pipeline's pending poll
// job, or chains a fresh poll job when none exists.
func storeInPollJob(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager, scoreSetID string, jobsValue []any) (string, error) {
	if pid := jm.Job().PipelineID; pid != nil {
		siblings, err := wc.Repos.JobRuns.ListByPipeline(dbc, *pid, types.JobPending)
		if err != nil {
			return "", err
		}
		for _, sibling := range siblings {
			if sibling.JobFunction != pollName {
				continue
			}
			params := sibling.ParamsMap()
			existing, _ := params["uniprot_jobs"].([]any)
			params["uniprot_jobs"] = append(existing, jobsValue...)
			b, err := json.Marshal(params)
			if err != nil {
				return "", err
			}
			if err := wc.Repos.JobRuns.UpdateFields(dbc, sibling.ID, map[string]interface{}{
				"job_params": datatypes.JSON(b),
			}); err != nil {
				return "", err
			}
			return sibling.ID.String(), nil
		}
	}
	nextID, err := jobutil.Chain(dbc, wc, jm, pollName, map[string]any{
		"score_set_id": scoreSetID,
		"uniprot_jobs": jobsValue,
	}, wc.Config.LinkingBackoff())
	if err != nil {
		return "", err
	}
	return nextID.String(), nil
}

// proteinAccession digs the protein-layer sequence accession out of the
// target's mapped reference metadata.
func proteinAccession(target *types.TargetGene) string {
	for _, blob := range [][]byte{target.PostMappedMetadata, target.PreMappedMetadata} {
		if len(blob) == 0 {
			continue
		}
		var layers map[string]struct {
			SequenceAccession string `json:"sequence_accession"`
			SequenceID        string `json:"sequence_id"`
		}
		if err := json.Unmarshal(blob, &layers); err != nil {
			continue
		}
		if protein, ok := layers[string(types.LayerProtein)]; ok {
			if protein.SequenceAccession != "" {
				return protein.SequenceAccession
			}
			if protein.SequenceID != "" {
				return protein.SequenceID
			}
		}
	}
	return ""
}
