package createvariants

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/jobutil"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

const Name = "create_variants_for_score_set"

var hgvsColumns = []string{"hgvs_nt", "hgvs_pro", "hgvs_splice"}

// Run replaces every variant attached to the score set with rows built from
// the staged score (and optional count) CSVs. Progress milestones: 10 after
// metadata validation, 80 after dataframe validation, 100 on completion.
func Run(dbc dbctx.Context, wc *runtime.Context, jm *manager.JobManager) *runtime.Result {
	scoreSetID, err := jobutil.ScoreSetID(jm)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	params := jm.Job().ParamsMap()

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

	fail := func(cause error, detail map[string]any) *runtime.Result {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["error"] = cause.Error()
		if err := wc.Repos.ScoreSets.SetStates(dbc, scoreSetID, types.ProcessingFailed, types.MappingNotAttempted); err != nil {
			return runtime.Failed(err, nil)
		}
		if err := wc.Repos.ScoreSets.SetProcessingErrors(dbc, scoreSetID, detail); err != nil {
			return runtime.Failed(err, nil)
		}
		return runtime.Failed(cause, detail)
	}

	targets, err := wc.Repos.TargetGenes.ListByScoreSet(dbc, scoreSetID)
	if err != nil {
		return runtime.Failed(err, nil)
	}
	if len(targets) == 0 {
		return fail(&manager.ValidationError{
			Message: "score set has no target genes",
			Detail:  map[string]any{"score_set_id": scoreSetID.String()},
		}, map[string]any{"classification": "no_target_genes"})
	}

	scoreColumns := stringSlice(params["score_columns_metadata"])
	if err := validateColumnMetadata(scoreColumns); err != nil {
		return fail(err, map[string]any{"classification": "invalid_column_metadata"})
	}
	if err := jm.UpdateProgress(10, 100, "Column metadata validated"); err != nil {
		return runtime.Failed(err, nil)
	}

	scoresKey := jobutil.StringParam(params, "scores_file_key")
	if scoresKey == "" {
		return fail(&manager.ValidationError{Message: "job_params missing scores_file_key"},
			map[string]any{"classification": "missing_scores_file"})
	}
	scoreRows, err := downloadCSV(dbc.Ctx, wc, scoresKey)
	if err != nil {
		return fail(err, map[string]any{"classification": "scores_file_unreadable", "key": scoresKey})
	}

	var countRows []map[string]string
	if countsKey := jobutil.StringParam(params, "counts_file_key"); countsKey != "" {
		countRows, err = downloadCSV(dbc.Ctx, wc, countsKey)
		if err != nil {
			return fail(err, map[string]any{"classification": "counts_file_unreadable", "key": countsKey})
		}
	}

	if jm.IsCancelled() {
		return runtime.Skipped(map[string]any{"reason": "cancelled before validation"})
	}

	if err := validateScoreRows(scoreRows); err != nil {
		return fail(err, map[string]any{"classification": "invalid_dataframe"})
	}
	if countRows != nil && len(countRows) != len(scoreRows) {
		return fail(&manager.ValidationError{
			Message: "score and count files disagree on row count",
			Detail:  map[string]any{"scores": len(scoreRows), "counts": len(countRows)},
		}, map[string]any{"classification": "invalid_dataframe"})
	}
	if err := jm.UpdateProgress(80, 100, "Dataframes validated"); err != nil {
		return runtime.Failed(err, nil)
	}

	// Replace-all: drop the old variant set (and its mapped rows) before
	// inserting the new one.
	if _, err := wc.Repos.Variants.DeleteByScoreSet(dbc, scoreSetID); err != nil {
		return runtime.Failed(err, nil)
	}
	variants := make([]*types.Variant, 0, len(scoreRows))
	for i, row := range scoreRows {
		data := map[string]any{"score_data": row}
		if countRows != nil {
			data["count_data"] = countRows[i]
		}
		b, err := json.Marshal(data)
		if err != nil {
			return runtime.Failed(err, nil)
		}
		variants = append(variants, &types.Variant{
			ID:         uuid.New(),
			URN:        fmt.Sprintf("%s#%d", scoreSet.URN, i+1),
			ScoreSetID: scoreSetID,
			HGVSNt:     row["hgvs_nt"],
			HGVSPro:    row["hgvs_pro"],
			HGVSSplice: row["hgvs_splice"],
			Data:       datatypes.JSON(b),
		})
	}
	if _, err := wc.Repos.Variants.CreateBatch(dbc, variants); err != nil {
		return runtime.Failed(err, nil)
	}
	if err := wc.Repos.ScoreSets.UpdateFields(dbc, scoreSetID, map[string]interface{}{
		"num_variants": len(variants),
	}); err != nil {
		return runtime.Failed(err, nil)
	}
	if err := wc.Repos.ScoreSets.SetStates(dbc, scoreSetID, types.ProcessingSuccess, types.MappingQueued); err != nil {
		return runtime.Failed(err, nil)
	}
	if err := jm.UpdateProgress(100, 100, "Variants created"); err != nil {
		return runtime.Failed(err, nil)
	}
	return runtime.OK(map[string]any{
		"score_set_id":     scoreSetID.String(),
		"variants_created": len(variants),
	})
}

func validateColumnMetadata(scoreColumns []string) error {
	if len(scoreColumns) == 0 {
		return &manager.ValidationError{Message: "score_columns_metadata is required"}
	}
	hasScore := false
	hasHGVS := false
	for _, col := range scoreColumns {
		if col == "score" {
			hasScore = true
		}
		for _, h := range hgvsColumns {
			if col == h {
				hasHGVS = true
			}
		}
	}
	if !hasScore {
		return &manager.ValidationError{Message: "score_columns_metadata missing score column"}
	}
	if !hasHGVS {
		return &manager.ValidationError{Message: "score_columns_metadata missing an hgvs column"}
	}
	return nil
}

func validateScoreRows(rows []map[string]string) error {
	if len(rows) == 0 {
		return &manager.ValidationError{Message: "scores file contains no data rows"}
	}
	for i, row := range rows {
		hasHGVS := false
		for _, h := range hgvsColumns {
			if strings.TrimSpace(row[h]) != "" {
				hasHGVS = true
				break
			}
		}
		if !hasHGVS {
			return &manager.ValidationError{
				Message: "row has no hgvs value",
				Detail:  map[string]any{"row": i + 1},
			}
		}
		score := strings.TrimSpace(row["score"])
		if score == "" || strings.EqualFold(score, "na") || strings.EqualFold(score, "nan") {
			continue
		}
		if _, err := strconv.ParseFloat(score, 64); err != nil {
			return &manager.ValidationError{
				Message: "row has a non-numeric score",
				Detail:  map[string]any{"row": i + 1, "score": score},
			}
		}
	}
	return nil
}

// downloadCSV pulls a staged object through the executor pool and decodes it
// into header-keyed rows.
func downloadCSV(ctx context.Context, wc *runtime.Context, key string) ([]map[string]string, error) {
	var rows []map[string]string
	err := wc.Executor.Submit(ctx, func(ctx context.Context) error {
		rc, err := wc.Clients.Storage.Download(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()
		rows, err = parseCSV(rc)
		return err
	})
	return rows, err
}

func parseCSV(r io.Reader) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, &manager.ValidationError{Message: "file has no header row"}
	}
	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &manager.ValidationError{
				Message: "malformed csv row",
				Detail:  map[string]any{"error": err.Error()},
			}
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[strings.TrimSpace(col)] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
