package submitcar

import (
	"context"
	"encoding/json"

	"github.com/varianteffect/mavedb-worker/internal/clients/clingen"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/submitldh"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "submit_score_set_mappings_to_car"

// Run registers the score set's post-mapped HGVS expressions with the
// ClinGen Allele Registry, writes assigned CAIDs back onto the mapped
// variants, and chains the LDH submission.
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	if !wc.Config.ClinGenSubmissionEnabled || wc.Config.CARSubmissionEndpoint == "" {
		return runtime.Skipped(map[string]any{"reason": "allele registry submission disabled"})
	}
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}

	pairs, err := wc.Repos.MappedVariants.ListCurrentByScoreSet(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}

	// Unique post-mapped HGVS strings, remembering which mapped variants
	// each belongs to.
	hgvsOrder := []string{}
	byHGVS := map[string][]int{}
	for i, pair := range pairs {
		if pair.Mapped == nil || len(pair.Mapped.PostMappedVRS) == 0 {
			continue
		}
		hgvs := HGVSFromPostMapped(pair.Mapped.PostMappedVRS)
		if hgvs == "" {
			continue
		}
		if _, seen := byHGVS[hgvs]; !seen {
			hgvsOrder = append(hgvsOrder, hgvs)
		}
		byHGVS[hgvs] = append(byHGVS[hgvs], i)
	}
	if len(hgvsOrder) == 0 {
		return runtime.Skipped(map[string]any{
			"reason":       "no post-mapped variants to submit",
			"score_set_id": scoreSetID.String(),
		})
	}
	if err := jm.UpdateProgress(20, 100, "Submitting alleles to the registry"); err != nil {
		return runtime.Failed(err, nil)
	}

	var registered []clingen.RegisteredAllele
	err = wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
		var callErr error
		registered, callErr = wc.Clients.CAR.DispatchSubmissions(ctx, hgvsOrder)
		return callErr
	})
	if err != nil {
		return runtime.Failed(err, nil)
	}
	if err := jm.UpdateProgress(60, 100, "Recording assigned CAIDs"); err != nil {
		return runtime.Failed(err, nil)
	}

	assigned := 0
	for _, allele := range registered {
		if allele.CAID == "" {
			continue
		}
		for _, idx := range byHGVS[allele.HGVS] {
			mv := pairs[idx].Mapped
			if err := wc.Repos.MappedVariants.UpdateFields(dbc, mv.ID, map[string]interface{}{
				"caid":              allele.CAID,
				"clingen_allele_id": allele.CAID,
			}); err != nil {
				return runtime.Failed(err, nil)
			}
			assigned++
		}
	}

	nextID, err := jobutil.Chain(dbc, wc, jm, submitldh.Name, map[string]any{
		"score_set_id": scoreSetID.String(),
	}, 0)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	if err := jm.UpdateProgress(100, 100, "Allele registry submission finished"); err != nil {
		return runtime.Failed(err, nil)
	}
	return runtime.OK(map[string]any{
		"score_set_id":   scoreSetID.String(),
		"submitted":      len(hgvsOrder),
		"caids_assigned": assigned,
		"enqueued_job":   nextID.String(),
	})
}

// HGVSFromPostMapped pulls the first HGVS expression out of a post-mapped
// VRS document.
func HGVSFromPostMapped(raw []byte) string {
	var doc struct {
		Expressions []struct {
			Syntax string `json:"syntax"`
			Value  string `json:"value"`
		} `json:"expressions"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	for _, expr := range doc.Expressions {
		if expr.Value != "" {
			return expr.Value
		}
	}
	return ""
}
