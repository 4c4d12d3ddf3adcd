package linkgnomad

import (
	"context"

	"github.com/varianteffect/mavedb-worker/internal/clients/gnomad"
	annot "github.com/varianteffect/mavedb-worker/internal/data/repos/annotations"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "link_gnomad_variants"

// Run joins gnomAD frequency records against the score set's current mapped
// variants by CAID and records the outcome per variant.
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}

	pairs, err := wc.Repos.MappedVariants.ListCurrentByScoreSet(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}

	caids := []string{}
	seen := map[string]bool{}
	for _, pair := range pairs {
		if pair.Mapped == nil || pair.Mapped.CAID == "" {
			continue
		}
		if !seen[pair.Mapped.CAID] {
			seen[pair.Mapped.CAID] = true
			caids = append(caids, pair.Mapped.CAID)
		}
	}
	if len(caids) == 0 {
		return runtime.Skipped(map[string]any{
			"reason":       "no variants carry a CAID",
			"score_set_id": scoreSetID.String(),
		})
	}
	if err := jm.UpdateProgress(20, 100, "Querying gnomAD"); err != nil {
		return runtime.Failed(err, nil)
	}

	var records []gnomad.Record
	err = wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
		var callErr error
		records, callErr = wc.Clients.GnomAD.DataForCAIDs(ctx, caids)
		return callErr
	})
	if err != nil {
		return runtime.Failed(err, nil)
	}
	byCAID := make(map[string]gnomad.Record, len(records))
	for _, rec := range records {
		byCAID[rec.CAID] = rec
	}
	if err := jm.UpdateProgress(60, 100, "Recording frequency annotations"); err != nil {
		return runtime.Failed(err, nil)
	}

	linked, missing := 0, 0
	for _, pair := range pairs {
		if pair.Mapped == nil || pair.Mapped.CAID == "" {
			continue
		}
		rec, ok := byCAID[pair.Mapped.CAID]
		if !ok {
			missing++
			if _, aerr := wc.Repos.Annotations.AddAnnotation(dbc, annot.Record{
				VariantID:      pair.Variant.ID,
				AnnotationType: types.AnnotationGnomADLinkage,
				Status:         types.AnnotationSkipped,
				Data:           map[string]any{"caid": pair.Mapped.CAID},
				Current:        true,
			}); aerr != nil {
				return runtime.Failed(aerr, nil)
			}
			continue
		}
		if _, aerr := wc.Repos.Annotations.AddAnnotation(dbc, annot.Record{
			VariantID:      pair.Variant.ID,
			AnnotationType: types.AnnotationGnomADLinkage,
			Status:         types.AnnotationSuccess,
			Data: map[string]any{
				"caid":               rec.CAID,
				"allele_count":       rec.AlleleCount,
				"allele_number":      rec.AlleleNumber,
				"allele_frequency":   rec.AlleleFrequency,
				"faf95_max":          rec.Faf95Max,
				"faf95_max_ancestry": rec.Faf95MaxAncestry,
			},
			Current: true,
		}); aerr != nil {
			return runtime.Failed(aerr, nil)
		}
		linked++
	}

	if err := jm.UpdateProgress(100, 100, "gnomAD linkage finished"); err != nil {
		return runtime.Failed(err, nil)
	}
	return runtime.OK(map[string]any{
		"score_set_id": scoreSetID.String(),
		"queried":      len(caids),
		"linked":       linked,
		"missing":      missing,
	})
}
