package linkclingen

import (
	"context"
	"fmt"

	"github.com/varianteffect/mavedb-worker/internal/clients/clingen"
	annot "github.com/varianteffect/mavedb-worker/internal/data/repos/annotations"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/linkgnomad"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "link_clingen_variants"

// LinkingError reports a linkage pass whose failure ratio stayed above the
// retry threshold after the final allowed attempt.
type LinkingError struct {
	ScoreSetID string
	Attempt    int
	Failed     int
	Total      int
}

func (e *LinkingError) Error() string {
	return fmt.Sprintf("clingen linkage for score set %s: %d of %d variants unlinked after attempt %d", e.ScoreSetID, e.Failed, e.Total, e.Attempt)
}

/*
Run resolves each post-mapped variant's ClinGen variation and stores the
extracted CAID. LDH propagation is eventually consistent, so a failure
ratio above LINKED_DATA_RETRY_THRESHOLD re-enqueues this job with backoff
(attempt+1, up to ENQUEUE_BACKOFF_ATTEMPT_LIMIT); at or under the
threshold the step is done and link_gnomad_variants is chained.
*/
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	params := jm.Job().ParamsMap()
	attempt := jobutil.IntParam(params, "attempt", 1)

	pairs, err := wc.Repos.MappedVariants.ListCurrentByScoreSet(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	linkable := pairs[:0]
	for _, pair := range pairs {
		if pair.Mapped != nil && len(pair.Mapped.PostMappedVRS) > 0 {
			linkable = append(linkable, pair)
		}
	}
	if len(linkable) == 0 {
		return runtime.Skipped(map[string]any{
			"reason":       "no post-mapped variants to link",
			"score_set_id": scoreSetID.String(),
		})
	}

	linked, failed := 0, 0
	for i, pair := range linkable {
		if jm.IsCancelled() {
			return runtime.Skipped(map[string]any{"reason": "cancelled during linkage"})
		}

		var variation *clingen.Variation
		err := wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
			var callErr error
			variation, callErr = wc.Clients.LDH.GetClinGenVariation(ctx, pair.Variant.URN)
			return callErr
		})
		switch {
		case err != nil, variation == nil, variation.CAID == "":
			failed++
			if _, aerr := wc.Repos.Annotations.AddAnnotation(dbc, annot.Record{
				VariantID:       pair.Variant.ID,
				AnnotationType:  types.AnnotationClinGenLinkage,
				Status:          types.AnnotationFailed,
				FailureCategory: types.AnnotationFailureClinGenAPIError,
				Data:            map[string]any{"attempt": attempt},
				Current:         true,
			}); aerr != nil {
				return runtime.Failed(aerr, nil)
			}
		default:
			if uerr := wc.Repos.MappedVariants.UpdateFields(dbc, pair.Mapped.ID, map[string]interface{}{
				"caid":              variation.CAID,
				"clingen_allele_id": variation.CAID,
			}); uerr != nil {
				return runtime.Failed(uerr, nil)
			}
			if _, aerr := wc.Repos.Annotations.AddAnnotation(dbc, annot.Record{
				VariantID:      pair.Variant.ID,
				AnnotationType: types.AnnotationClinGenLinkage,
				Status:         types.AnnotationSuccess,
				Data:           map[string]any{"caid": variation.CAID, "attempt": attempt},
				Current:        true,
			}); aerr != nil {
				return runtime.Failed(aerr, nil)
			}
			linked++
		}

		if (i+1)%100 == 0 {
			if perr := jm.UpdateProgress((i+1)*90/len(linkable), 100, "Linking ClinGen variations"); perr != nil {
				return runtime.Failed(perr, nil)
			}
		}
	}

	ratio := float64(failed) / float64(len(linkable))
	if ratio > wc.Config.LinkedDataRetryThreshold {
		if attempt >= wc.Config.EnqueueBackoffAttemptLimit {
			return runtime.Failed(&LinkingError{
				ScoreSetID: scoreSetID.String(),
				Attempt:    attempt,
				Failed:     failed,
				Total:      len(linkable),
			}, map[string]any{
				"success": false,
				"retried": false,
				"linked":  linked,
				"failed":  failed,
			})
		}
		retryID, err := jobutil.Chain(dbc, wc, jm, Name, map[string]any{
			"score_set_id": scoreSetID.String(),
			"attempt":      attempt + 1,
		}, wc.Config.LinkingBackoff())
		if err != nil {
			return runtime.Failed(err, nil)
		}
		return runtime.OK(map[string]any{
			"success":      true,
			"retried":      true,
			"linked":       linked,
			"failed":       failed,
			"attempt":      attempt,
			"enqueued_job": retryID.String(),
		})
	}

	nextID, err := jobutil.Chain(dbc, wc, jm, linkgnomad.Name, map[string]any{
		"score_set_id": scoreSetID.String(),
	}, 0)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	if err := jm.UpdateProgress(100, 100, "ClinGen linkage finished"); err != nil {
		return runtime.Failed(err, nil)
	}
	return runtime.OK(map[string]any{
		"success":      true,
		"retried":      false,
		"linked":       linked,
		"failed":       failed,
		"enqueued_job": nextID.String(),
	})
}
