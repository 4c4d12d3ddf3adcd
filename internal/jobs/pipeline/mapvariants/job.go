package mapvariants

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/varianteffect/mavedb-worker/internal/clients/vrs"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "map_variants_for_score_set"

// The mapping service's document can be unusable in three distinct ways;
// operators triage them differently, so each keeps its own type.
type NonexistentMappingResultsError struct{ URN string }

func (e *NonexistentMappingResultsError) Error() string {
	return fmt.Sprintf("mapping service returned no results for %s", e.URN)
}

type NonexistentMappingScoresError struct{ URN string }

func (e *NonexistentMappingScoresError) Error() string {
	return fmt.Sprintf("mapping service returned no mapped scores for %s", e.URN)
}

type NonexistentMappingReferenceError struct{ URN string }

func (e *NonexistentMappingReferenceError) Error() string {
	return fmt.Sprintf("mapping service returned no reference metadata for %s", e.URN)
}

// Run maps every variant of the score set through the VRS mapping service
// and replaces each variant's current mapped representation. Partial success
// is a valid terminal outcome (mapping_state = incomplete); a run where no
// variant maps sets mapping_state = failed but still reports ok.
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	scoreSet, err := wc.Repos.ScoreSets.GetByID(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	if scoreSet == nil {
		return runtime.Failed(&manager.ValidationError{
			Message: "score set not found",
			Detail:  map[string]any{"score_set_id": scoreSetID.String()},
		}, nil)
	}
	if err := wc.Repos.ScoreSets.SetStates(dbc, scoreSetID, "", types.MappingProcessing); err != nil {
		return runtime.Failed(err, nil)
	}
	if err := jm.UpdateProgress(5, 100, "Requesting mapped scores"); err != nil {
		return runtime.Failed(err, nil)
	}

	// The mapping call can run for many minutes; push it through the
	// executor pool.
	var result *vrs.MapResult
	err = wc.Executor.Submit(dbc.Ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = wc.Clients.VRS.Map(ctx, scoreSet.URN)
		return callErr
	})
	if err != nil {
		markMappingState(dbc, wc, scoreSetID, types.MappingFailed)
		return runtime.Failed(err, nil)
	}

	if validationErr := validateMapResult(result, scoreSet.URN); validationErr != nil {
		markMappingState(dbc, wc, scoreSetID, types.MappingFailed)
		return runtime.Failed(validationErr, map[string]any{"score_set_id": scoreSetID.String()})
	}
	if err := jm.UpdateProgress(40, 100, "Mapping results received"); err != nil {
		return runtime.Failed(err, nil)
	}

	variants, err := wc.Repos.Variants.ListByScoreSet(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	byURN := make(map[string]*types.Variant, len(variants))
	for _, v := range variants {
		byURN[v.URN] = v
	}

	mapped, unmapped := 0, 0
	for i, score := range result.MappedScores {
		if jm.IsCancelled() {
			return runtime.Skipped(map[string]any{"reason": "cancelled during mapping writes"})
		}
		variant, ok := byURN[score.VariantURN]
		if !ok {
			wc.Log.Warn("Mapping result references unknown variant",
				"score_set_id", scoreSetID.String(),
				"variant_urn", score.VariantURN,
			)
			continue
		}
		if len(score.PostMapped) == 0 {
			unmapped++
			continue
		}
		mv := &types.MappedVariant{
			VariantID:         variant.ID,
			PreMappedVRS:      datatypes.JSON(score.PreMapped),
			PostMappedVRS:     datatypes.JSON(score.PostMapped),
			ErrorMessage:      score.ErrorMessage,
			MappingAPIVersion: result.APIVersion,
		}
		if _, err := wc.Repos.MappedVariants.InsertCurrent(dbc, mv); err != nil {
			return runtime.Failed(err, nil)
		}
		mapped++

		if (i+1)%500 == 0 {
			progress := 40 + (i+1)*50/len(result.MappedScores)
			if err := jm.UpdateProgress(progress, 100, "Writing mapped variants"); err != nil {
				return runtime.Failed(err, nil)
			}
		}
	}

	if err := updateTargetReferences(dbc, wc, scoreSetID, result); err != nil {
		return runtime.Failed(err, nil)
	}

	state := types.MappingComplete
	switch {
	case mapped == 0:
		state = types.MappingFailed
	case unmapped > 0:
		state = types.MappingIncomplete
	}
	if err := wc.Repos.ScoreSets.SetStates(dbc, scoreSetID, "", state); err != nil {
		return runtime.Failed(err, nil)
	}
	if err := jm.UpdateProgress(100, 100, "Variant mapping finished"); err != nil {
		return runtime.Failed(err, nil)
	}
	return runtime.OK(map[string]any{
		"score_set_id":  scoreSetID.String(),
		"mapped":        mapped,
		"unmapped":      unmapped,
		"mapping_state": state,
	})
}

func validateMapResult(result *vrs.MapResult, urn string) error {
	if result == nil || (len(result.MappedScores) == 0 && len(result.ReferenceSequences) == 0) {
		return &NonexistentMappingResultsError{URN: urn}
	}
	if len(result.MappedScores) == 0 {
		return &NonexistentMappingScoresError{URN: urn}
	}
	if len(result.ReferenceSequences) == 0 {
		return &NonexistentMappingReferenceError{URN: urn}
	}
	return nil
}

// updateTargetReferences stores each target's pre/post mapped reference
// metadata keyed by annotation layer.
func updateTargetReferences(dbc dbctx.Context, wc *runtime.Context, scoreSetID uuid.UUID, result *vrs.MapResult) error {
	targets, err := wc.Repos.TargetGenes.ListByScoreSet(dbc, scoreSetID)
	if err != nil {
		return err
	}
	for _, target := range targets {
		layers, ok := result.ReferenceSequences[target.Name]
		if !ok {
			continue
		}
		pre := map[string]json.RawMessage{}
		post := map[string]json.RawMessage{}
		for layer, pair := range layers {
			if len(pair.PreMapped) > 0 {
				pre[layer] = pair.PreMapped
			}
			if len(pair.PostMapped) > 0 {
				post[layer] = pair.PostMapped
			}
		}
		updates := map[string]interface{}{}
		if len(pre) > 0 {
			b, err := json.Marshal(pre)
			if err != nil {
				return err
			}
			updates["pre_mapped_metadata"] = datatypes.JSON(b)
		}
		if len(post) > 0 {
			b, err := json.Marshal(post)
			if err != nil {
				return err
			}
			updates["post_mapped_metadata"] = datatypes.JSON(b)
		}
		if len(updates) == 0 {
			continue
		}
		if err := wc.Repos.TargetGenes.UpdateFields(dbc, target.ID, updates); err != nil {
			return err
		}
	}
	return nil
}

// markMappingState is best-effort on failure paths; the job's own error
// remains the primary signal.
func markMappingState(dbc dbctx.Context, wc *runtime.Context, scoreSetID uuid.UUID, state string) {
	if err := wc.Repos.ScoreSets.SetStates(dbc, scoreSetID, "", state); err != nil {
		wc.Log.Warn("Could not record mapping state",
			"score_set_id", scoreSetID.String(),
			"state", state,
			"error", err.Error(),
		)
	}
}
