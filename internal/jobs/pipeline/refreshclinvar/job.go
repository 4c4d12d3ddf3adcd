package refreshclinvar

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/varianteffect/mavedb-worker/internal/clients/clingen"
	"github.com/varianteffect/mavedb-worker/internal/clients/clinvar"
	annot "github.com/varianteffect/mavedb-worker/internal/data/repos/annotations"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "refresh_clinvar_controls"

/*
Run fetches the month's ClinVar variant summary and refreshes the score
set's clinical controls: for each current mapped variant with a CAID, the
ClinVar allele id is resolved through ClinGen and the matching summary row
upserted as a ClinicalControl versioned MM_YYYY. Every variant's outcome
lands in the annotation status manager with a closed-set failure category.
*/
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	params := jm.Job().ParamsMap()
	year := jobutil.IntParam(params, "year", 0)
	month := jobutil.IntParam(params, "month", 0)
	if year == 0 || month == 0 {
		return runtime.Failed(&manager.ValidationError{
			Message: "job_params require year and month",
			Detail:  map[string]any{"year": year, "month": month},
		}, nil)
	}
	version := fmt.Sprintf("%02d_%d", month, year)

	if err := jm.UpdateProgress(5, 100, "Fetching ClinVar variant summary"); err != nil {
		return runtime.Failed(err, nil)
	}
	var summary map[string]clinvar.Record
	err = wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
		tsv, fetchErr := wc.Clients.ClinVar.FetchVariantSummaryTSV(ctx, month, year)
		if fetchErr != nil {
			return fetchErr
		}
		summary, fetchErr = clinvar.Parse(tsv)
		return fetchErr
	})
	if err != nil {
		return runtime.Failed(err, nil)
	}
	if err := jm.UpdateProgress(30, 100, "Resolving ClinVar allele ids"); err != nil {
		return runtime.Failed(err, nil)
	}

	pairs, err := wc.Repos.MappedVariants.ListCurrentByScoreSet(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}

	counts := map[string]int{}
	for i, pair := range pairs {
		if pair.Mapped == nil {
			continue
		}
		if jm.IsCancelled() {
			return runtime.Skipped(map[string]any{"reason": "cancelled during control refresh"})
		}

		outcome := refreshOne(dbc, wc, version, summary, pair.Variant.ID, pair.Variant.URN, pair.Mapped)
		if outcome.err != nil {
			return runtime.Failed(outcome.err, nil)
		}
		counts[outcome.key]++

		if (i+1)%100 == 0 {
			progress := 30 + (i+1)*65/len(pairs)
			if perr := jm.UpdateProgress(progress, 100, "Refreshing clinical controls"); perr != nil {
				return runtime.Failed(perr, nil)
			}
		}
	}

	if err := jm.UpdateProgress(100, 100, "ClinVar control refresh finished"); err != nil {
		return runtime.Failed(err, nil)
	}
	data := map[string]any{
		"score_set_id": scoreSetID.String(),
		"version":      version,
		"variants":     len(pairs),
	}
	for key, n := range counts {
		data[key] = n
	}
	return runtime.OK(data)
}

type refreshOutcome struct {
	key string
	err error
}

func refreshOne(dbc dbctx.Context, wc *runtime.Context, version string, summary map[string]clinvar.Record, variantID uuid.UUID, variantURN string, mapped *types.MappedVariant) refreshOutcome {
	addAnnotation := func(status types.AnnotationStatus, failureCategory string, data map[string]any) error {
		_, err := wc.Repos.Annotations.AddAnnotation(dbc, annot.Record{
			VariantID:       variantID,
			AnnotationType:  types.AnnotationClinVarControl,
			Version:         version,
			Status:          status,
			FailureCategory: failureCategory,
			Data:            data,
			Current:         true,
		})
		return err
	}

	if mapped.CAID == "" {
		if err := addAnnotation(types.AnnotationSkipped, types.AnnotationFailureMissingClinGenAlleleID, nil); err != nil {
			return refreshOutcome{err: err}
		}
		return refreshOutcome{key: "missing_caid"}
	}

	var variation *clingen.Variation
	err := wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
		var callErr error
		variation, callErr = wc.Clients.LDH.GetClinGenVariation(ctx, variantURN)
		return callErr
	})
	if err != nil {
		if aerr := addAnnotation(types.AnnotationFailed, types.AnnotationFailureClinGenAPIError, map[string]any{
			"error": err.Error(),
		}); aerr != nil {
			return refreshOutcome{err: aerr}
		}
		return refreshOutcome{key: "clingen_errors"}
	}

	switch {
	case variation == nil || len(variation.ClinVarAlleleIDs) == 0:
		if err := addAnnotation(types.AnnotationSkipped, types.AnnotationFailureNoClinVarAlleleID, nil); err != nil {
			return refreshOutcome{err: err}
		}
		return refreshOutcome{key: "no_clinvar_allele"}
	case len(variation.ClinVarAlleleIDs) > 1:
		if err := addAnnotation(types.AnnotationSkipped, types.AnnotationFailureMultiVariantClinGenAlleleID, map[string]any{
			"allele_ids": variation.ClinVarAlleleIDs,
		}); err != nil {
			return refreshOutcome{err: err}
		}
		return refreshOutcome{key: "ambiguous_allele"}
	}

	alleleID := variation.ClinVarAlleleIDs[0]
	rec, ok := summary[alleleID]
	if !ok {
		if err := addAnnotation(types.AnnotationSkipped, types.AnnotationFailureNoClinVarVariantData, map[string]any{
			"allele_id": alleleID,
		}); err != nil {
			return refreshOutcome{err: err}
		}
		return refreshOutcome{key: "no_variant_data"}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return refreshOutcome{err: err}
	}
	if _, err := wc.Repos.ClinicalControls.Upsert(dbc, &types.ClinicalControl{
		MappedVariantID:      mapped.ID,
		DBIdentifier:         alleleID,
		DBVersion:            version,
		GeneSymbol:           rec.GeneSymbol,
		ClinicalSignificance: rec.ClinicalSignificance,
		ClinicalReviewStatus: rec.ReviewStatus,
		Raw:                  raw,
	}); err != nil {
		return refreshOutcome{err: err}
	}
	if err := addAnnotation(types.AnnotationSuccess, "", map[string]any{
		"allele_id":             alleleID,
		"clinical_significance": rec.ClinicalSignificance,
	}); err != nil {
		return refreshOutcome{err: err}
	}
	return refreshOutcome{key: "refreshed"}
}
