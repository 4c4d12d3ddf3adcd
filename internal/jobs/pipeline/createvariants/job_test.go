package createvariants

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/varianteffect/mavedb-worker/internal/app"
	"github.com/varianteffect/mavedb-worker/internal/data/repos/testutil"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/pkg/executor"
)

// stubStorage serves staged files from a map of key to file body.
type stubStorage struct {
	files map[string]string
}

func (s *stubStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	body, ok := s.files[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (s *stubStorage) Close() error { return nil }

type createEnv struct {
	dbc dbctx.Context
	wc  *runtime.Context
	ss  *types.ScoreSet
}

func newCreateEnv(t *testing.T, storage *stubStorage) *createEnv {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Log()
	wc := &runtime.Context{
		DB:       gdb,
		Repos:    runtime.NewRepos(gdb, log),
		Clients:  runtime.Clients{Storage: storage},
		Executor: executor.NewPool(2),
		Config:   app.Config{JobDefaultMaxRetries: 3, WorkerConcurrency: 2},
		Log:      log,
	}
	env := &createEnv{dbc: testutil.Ctx(gdb), wc: wc}
	env.ss = &types.ScoreSet{ID: uuid.New(), URN: "urn:mavedb:00000010-a-1"}
	require.NoError(t, gdb.Create(env.ss).Error)
	return env
}

func (e *createEnv) addTargetGene(t *testing.T) {
	t.Helper()
	require.NoError(t, e.dbc.Tx.Create(&types.TargetGene{
		ID:         uuid.New(),
		ScoreSetID: e.ss.ID,
		Name:       "BRCA1",
	}).Error)
}

func (e *createEnv) runJob(t *testing.T, params string) *runtime.Result {
	t.Helper()
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

func (e *createEnv) params(extra string) string {
	return fmt.Sprintf(`{"score_set_id":%q,"score_columns_metadata":["hgvs_nt","score"],"scores_file_key":"scores.csv"%s}`,
		e.ss.ID.String(), extra)
}

const scoresCSV = "hgvs_nt,score\nc.1A>G,0.5\nc.2C>T,NA\nc.3G>A,-1.25\n"

func TestCreateVariantsReplacesVariantSet(t *testing.T) {
	env := newCreateEnv(t, &stubStorage{files: map[string]string{"scores.csv": scoresCSV}})
	env.addTargetGene(t)

	// A stale variant from a previous upload must be dropped.
	require.NoError(t, env.dbc.Tx.Create(&types.Variant{
		ID:         uuid.New(),
		URN:        env.ss.URN + "#old",
		ScoreSetID: env.ss.ID,
	}).Error)

	res := env.runJob(t, env.params(""))
	require.Equal(t, runtime.StatusOK, res.Status)
	require.Equal(t, 3, res.Data["variants_created"])

	variants, err := env.wc.Repos.Variants.ListByScoreSet(env.dbc, env.ss.ID)
	require.NoError(t, err)
	require.Len(t, variants, 3)
	for _, v := range variants {
		require.NotContains(t, v.URN, "#old")
		require.NotEmpty(t, v.HGVSNt)
	}

	ss, err := env.wc.Repos.ScoreSets.GetByID(env.dbc, env.ss.ID)
	require.NoError(t, err)
	require.Equal(t, 3, ss.NumVariants)
	require.Equal(t, types.ProcessingSuccess, ss.ProcessingState)
	require.Equal(t, types.MappingQueued, ss.MappingState)
}

func TestCreateVariantsWithCountsFile(t *testing.T) {
	env := newCreateEnv(t, &stubStorage{files: map[string]string{
		"scores.csv": scoresCSV,
		"counts.csv": "hgvs_nt,count\nc.1A>G,10\nc.2C>T,20\nc.3G>A,30\n",
	}})
	env.addTargetGene(t)

	res := env.runJob(t, env.params(`,"counts_file_key":"counts.csv"`))
	require.Equal(t, runtime.StatusOK, res.Status)

	variants, err := env.wc.Repos.Variants.ListByScoreSet(env.dbc, env.ss.ID)
	require.NoError(t, err)
	require.Len(t, variants, 3)
	require.Contains(t, string(variants[0].Data), "count_data")
}

func TestCreateVariantsFailsOnRowCountMismatch(t *testing.T) {
	env := newCreateEnv(t, &stubStorage{files: map[string]string{
		"scores.csv": scoresCSV,
		"counts.csv": "hgvs_nt,count\nc.1A>G,10\n",
	}})
	env.addTargetGene(t)

	res := env.runJob(t, env.params(`,"counts_file_key":"counts.csv"`))
	require.Equal(t, runtime.StatusFailed, res.Status)
	requireScoreSetFailed(t, env, "invalid_dataframe")
}

func TestCreateVariantsFailsWithoutTargetGenes(t *testing.T) {
	env := newCreateEnv(t, &stubStorage{files: map[string]string{"scores.csv": scoresCSV}})

	res := env.runJob(t, env.params(""))
	require.Equal(t, runtime.StatusFailed, res.Status)
	require.IsType(t, &manager.ValidationError{}, res.Err)
	requireScoreSetFailed(t, env, "no_target_genes")
}

func TestCreateVariantsFailsOnBadColumnMetadata(t *testing.T) {
	env := newCreateEnv(t, &stubStorage{files: map[string]string{"scores.csv": scoresCSV}})
	env.addTargetGene(t)

	params := fmt.Sprintf(`{"score_set_id":%q,"score_columns_metadata":["score"],"scores_file_key":"scores.csv"}`,
		env.ss.ID.String())
	res := env.runJob(t, params)
	require.Equal(t, runtime.StatusFailed, res.Status)
	requireScoreSetFailed(t, env, "invalid_column_metadata")
}

func TestCreateVariantsFailsOnNonNumericScore(t *testing.T) {
	env := newCreateEnv(t, &stubStorage{files: map[string]string{
		"scores.csv": "hgvs_nt,score\nc.1A>G,not-a-number\n",
	}})
	env.addTargetGene(t)

	res := env.runJob(t, env.params(""))
	require.Equal(t, runtime.StatusFailed, res.Status)
	require.IsType(t, &manager.ValidationError{}, res.Err)
	requireScoreSetFailed(t, env, "invalid_dataframe")
}

func TestCreateVariantsFailsOnMissingFile(t *testing.T) {
	env := newCreateEnv(t, &stubStorage{files: map[string]string{}})
	env.addTargetGene(t)

	res := env.runJob(t, env.params(""))
	require.Equal(t, runtime.StatusFailed, res.Status)
	requireScoreSetFailed(t, env, "scores_file_unreadable")
}

func requireScoreSetFailed(t *testing.T, env *createEnv, classification string) {
	t.Helper()
	ss, err := env.wc.Repos.ScoreSets.GetByID(env.dbc, env.ss.ID)
	require.NoError(t, err)
	require.Equal(t, types.ProcessingFailed, ss.ProcessingState)
	require.Equal(t, types.MappingNotAttempted, ss.MappingState)
	require.Contains(t, string(ss.ProcessingErrors), classification)
}
