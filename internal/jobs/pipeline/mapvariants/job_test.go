package mapvariants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/varianteffect/mavedb-worker/internal/app"
	"github.com/varianteffect/mavedb-worker/internal/clients/vrs"
	"github.com/varianteffect/mavedb-worker/internal/data/repos/testutil"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/pkg/executor"
)

// stubVRS hands back one canned mapping document regardless of urn.
type stubVRS struct {
	result *vrs.MapResult
	err    error
}

func (s *stubVRS) Map(ctx context.Context, scoreSetURN string) (*vrs.MapResult, error) {
	return s.result, s.err
}

type mapEnv struct {
	dbc dbctx.Context
	wc  *runtime.Context
	ss  *types.ScoreSet
}

func newMapEnv(t *testing.T, client *stubVRS) *mapEnv {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Log()
	wc := &runtime.Context{
		DB:       gdb,
		Repos:    runtime.NewRepos(gdb, log),
		Clients:  runtime.Clients{VRS: client},
		Executor: executor.NewPool(2),
		Config:   app.Config{JobDefaultMaxRetries: 3, WorkerConcurrency: 2},
		Log:      log,
	}
	return &mapEnv{dbc: testutil.Ctx(gdb), wc: wc}
}

func (e *mapEnv) seedScoreSet(t *testing.T, variants int) []*types.Variant {
	t.Helper()
	e.ss = &types.ScoreSet{ID: uuid.New(), URN: "urn:mavedb:00000042-a-1"}
	require.NoError(t, e.dbc.Tx.Create(e.ss).Error)

	out := make([]*types.Variant, 0, variants)
	for i := 0; i < variants; i++ {
		v := &types.Variant{
			ID:         uuid.New(),
			URN:        fmt.Sprintf("%s#%d", e.ss.URN, i+1),
			ScoreSetID: e.ss.ID,
		}
		require.NoError(t, e.dbc.Tx.Create(v).Error)
		out = append(out, v)
	}
	return out
}

func (e *mapEnv) runJob(t *testing.T) *runtime.Result {
	t.Helper()
	params := fmt.Sprintf(`{"score_set_id":%q}`, e.ss.ID.String())
	created, err := e.wc.Repos.JobRuns.Create(e.dbc, []*types.JobRun{{
		JobFunction: Name,
		JobParams:   datatypes.JSON([]byte(params)),
		MaxRetries:  3,
	}})
	require.NoError(t, err)

	jm, err := manager.NewJobManager(e.dbc, e.wc.Repos.JobRuns, nil, created[0].ID, testutil.Log())
	require.NoError(t, err)
	require.NoError(t, jm.StartJob())
	return Run(e.dbc, e.wc, jm)
}

func (e *mapEnv) mappingState(t *testing.T) string {
	t.Helper()
	ss, err := e.wc.Repos.ScoreSets.GetByID(e.dbc, e.ss.ID)
	require.NoError(t, err)
	require.NotNil(t, ss)
	return ss.MappingState
}

func mappedScore(urn string) vrs.MappedScore {
	return vrs.MappedScore{
		VariantURN: urn,
		PreMapped:  json.RawMessage(`{"type":"Allele","state":"pre"}`),
		PostMapped: json.RawMessage(`{"type":"Allele","state":"post"}`),
	}
}

func referenceSequences(targetName string) map[string]map[string]vrs.ReferencePair {
	return map[string]map[string]vrs.ReferencePair{
		targetName: {
			"protein": {
				PreMapped:  json.RawMessage(`{"sequence_accession":"NP_000537.3"}`),
				PostMapped: json.RawMessage(`{"sequence_accession":"NP_000537.3","sequence_id":"ga4gh:SQ.abc"}`),
			},
		},
	}
}

func TestMappingReplacesCurrentMappedVariant(t *testing.T) {
	client := &stubVRS{}
	env := newMapEnv(t, client)
	variants := env.seedScoreSet(t, 1)

	// A prior mapping run left a current row; the rerun must supersede it.
	stale, err := env.wc.Repos.MappedVariants.InsertCurrent(env.dbc, &types.MappedVariant{
		VariantID:     variants[0].ID,
		PostMappedVRS: datatypes.JSON([]byte(`{"type":"Allele","state":"old"}`)),
		MappedDate:    time.Now().UTC().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	client.result = &vrs.MapResult{
		MappedScores:       []vrs.MappedScore{mappedScore(variants[0].URN)},
		ReferenceSequences: referenceSequences("TP53"),
		APIVersion:         "1.2.3",
	}
	tg := &types.TargetGene{ID: uuid.New(), ScoreSetID: env.ss.ID, Name: "TP53"}
	require.NoError(t, env.dbc.Tx.Create(tg).Error)

	res := env.runJob(t)
	require.Equal(t, runtime.StatusOK, res.Status)
	require.Equal(t, 1, res.Data["mapped"])
	require.Equal(t, 0, res.Data["unmapped"])
	require.Equal(t, types.MappingComplete, res.Data["mapping_state"])
	require.Equal(t, types.MappingComplete, env.mappingState(t))

	var rows []*types.MappedVariant
	require.NoError(t, env.dbc.Tx.
		Where("variant_id = ?", variants[0].ID).
		Order("mapped_date asc").
		Find(&rows).Error)
	require.Len(t, rows, 2)

	var current []*types.MappedVariant
	require.NoError(t, env.dbc.Tx.
		Where("variant_id = ? AND current = ?", variants[0].ID, true).
		Find(&current).Error)
	require.Len(t, current, 1, "exactly one current mapping per variant")
	require.NotEqual(t, stale.ID, current[0].ID)
	require.Equal(t, "1.2.3", current[0].MappingAPIVersion)
	require.True(t, current[0].MappedDate.After(stale.MappedDate))

	// Target reference metadata lands keyed by annotation layer.
	var fresh types.TargetGene
	require.NoError(t, env.dbc.Tx.First(&fresh, "id = ?", tg.ID).Error)
	layers := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(fresh.PostMappedMetadata, &layers))
	require.Contains(t, layers, "protein")
}

func TestMappingPartialSuccessMarksIncomplete(t *testing.T) {
	client := &stubVRS{}
	env := newMapEnv(t, client)
	variants := env.seedScoreSet(t, 2)

	unmappable := vrs.MappedScore{
		VariantURN:   variants[1].URN,
		ErrorMessage: "no alignment for this variant",
	}
	client.result = &vrs.MapResult{
		MappedScores:       []vrs.MappedScore{mappedScore(variants[0].URN), unmappable},
		ReferenceSequences: referenceSequences("TP53"),
		APIVersion:         "1.2.3",
	}

	res := env.runJob(t)
	require.Equal(t, runtime.StatusOK, res.Status)
	require.Equal(t, 1, res.Data["mapped"])
	require.Equal(t, 1, res.Data["unmapped"])
	require.Equal(t, types.MappingIncomplete, res.Data["mapping_state"])
	require.Equal(t, types.MappingIncomplete, env.mappingState(t))
}

func TestMappingNothingMappedReportsOKWithFailedState(t *testing.T) {
	client := &stubVRS{}
	env := newMapEnv(t, client)
	variants := env.seedScoreSet(t, 2)

	client.result = &vrs.MapResult{
		MappedScores: []vrs.MappedScore{
			{VariantURN: variants[0].URN, ErrorMessage: "unmappable"},
			{VariantURN: variants[1].URN, ErrorMessage: "unmappable"},
		},
		ReferenceSequences: referenceSequences("TP53"),
	}

	res := env.runJob(t)
	require.Equal(t, runtime.StatusOK, res.Status)
	require.Equal(t, 0, res.Data["mapped"])
	require.Equal(t, 2, res.Data["unmapped"])
	require.Equal(t, types.MappingFailed, res.Data["mapping_state"])
	require.Equal(t, types.MappingFailed, env.mappingState(t))
}

func TestMappingUnusableDocumentKinds(t *testing.T) {
	cases := []struct {
		name   string
		result *vrs.MapResult
		match  func(t *testing.T, err error)
	}{
		{
			name:   "no results at all",
			result: nil,
			match: func(t *testing.T, err error) {
				var e *NonexistentMappingResultsError
				require.True(t, errors.As(err, &e), "err = %v", err)
			},
		},
		{
			name: "reference metadata without scores",
			result: &vrs.MapResult{
				ReferenceSequences: referenceSequences("TP53"),
			},
			match: func(t *testing.T, err error) {
				var e *NonexistentMappingScoresError
				require.True(t, errors.As(err, &e), "err = %v", err)
			},
		},
		{
			name: "scores without reference metadata",
			result: &vrs.MapResult{
				MappedScores: []vrs.MappedScore{mappedScore("urn:mavedb:00000042-a-1#1")},
			},
			match: func(t *testing.T, err error) {
				var e *NonexistentMappingReferenceError
				require.True(t, errors.As(err, &e), "err = %v", err)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newMapEnv(t, &stubVRS{result: tc.result})
			env.seedScoreSet(t, 1)

			res := env.runJob(t)
			require.Equal(t, runtime.StatusFailed, res.Status)
			tc.match(t, res.Err)
			require.Equal(t, types.MappingFailed, env.mappingState(t))
		})
	}
}
