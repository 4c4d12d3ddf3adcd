package submitldh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/varianteffect/mavedb-worker/internal/clients/clingen"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "submit_score_set_mappings_to_ldh"

// linkClingenName is the job chained on success.
const linkClingenName = "link_clingen_variants"

// SubmissionError reports LDH batches that did not land. Zero failures are
// required for success.
type SubmissionError struct {
	ScoreSetID string
	Failures   int
	Total      int
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("ldh submission for score set %s: %d of %d documents failed", e.ScoreSetID, e.Failures, e.Total)
}

// Run builds LDH event documents from (variant, mapped variant, hgvs)
// triples and dispatches them in batches. Success chains
// link_clingen_variants with the configured linking backoff.
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	if !wc.Config.ClinGenSubmissionEnabled || wc.Config.LDHSubmissionEndpoint == "" {
		return runtime.Skipped(map[string]any{"reason": "ldh submission disabled"})
	}
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}

	pairs, err := wc.Repos.MappedVariants.ListCurrentByScoreSet(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}

	submissions := make([]clingen.Submission, 0, len(pairs))
	for _, pair := range pairs {
		if pair.Mapped == nil || len(pair.Mapped.PostMappedVRS) == 0 {
			continue
		}
		var postMapped map[string]any
		if err := json.Unmarshal(pair.Mapped.PostMappedVRS, &postMapped); err != nil {
			continue
		}
		hgvs := pair.Variant.HGVSNt
		if hgvs == "" {
			hgvs = pair.Variant.HGVSPro
		}
		submissions = append(submissions, clingen.Submission{
			VariantURN: pair.Variant.URN,
			Document: map[string]any{
				"entId":   pair.Variant.URN,
				"hgvs":    hgvs,
				"mapping": postMapped,
				"caid":    pair.Mapped.CAID,
			},
		})
	}
	if len(submissions) == 0 {
		return runtime.Skipped(map[string]any{
			"reason":       "no mapped variants to submit",
			"score_set_id": scoreSetID.String(),
		})
	}
	if err := jm.UpdateProgress(20, 100, "Dispatching LDH submissions"); err != nil {
		return runtime.Failed(err, nil)
	}

	var successes, failures []clingen.SubmissionOutcome
	err = wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
		var callErr error
		successes, failures, callErr = wc.Clients.LDH.DispatchSubmissions(ctx, submissions, wc.Config.DefaultLDHSubmissionBatchSize)
		return callErr
	})
	if err != nil {
		return runtime.Failed(err, nil)
	}
	if len(failures) > 0 {
		return runtime.Failed(&SubmissionError{
			ScoreSetID: scoreSetID.String(),
			Failures:   len(failures),
			Total:      len(submissions),
		}, map[string]any{
			"score_set_id": scoreSetID.String(),
			"submitted":    len(successes),
			"failed":       len(failures),
		})
	}
	if err := jm.UpdateProgress(80, 100, "Scheduling linkage"); err != nil {
		return runtime.Failed(err, nil)
	}

	nextID, err := jobutil.Chain(dbc, wc, jm, linkClingenName, map[string]any{
		"score_set_id": scoreSetID.String(),
		"attempt":      1,
	}, wc.Config.LinkingBackoff())
	if err != nil {
		return runtime.Failed(err, nil)
	}
	if err := jm.UpdateProgress(100, 100, "LDH submission finished"); err != nil {
		return runtime.Failed(err, nil)
	}
	return runtime.OK(map[string]any{
		"score_set_id": scoreSetID.String(),
		"submitted":    len(successes),
		"enqueued_job": nextID.String(),
	})
}
