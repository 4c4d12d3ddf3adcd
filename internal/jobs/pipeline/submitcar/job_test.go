package submitcar

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/varianteffect/mavedb-worker/internal/app"
	"github.com/varianteffect/mavedb-worker/internal/clients/clingen"
	"github.com/varianteffect/mavedb-worker/internal/data/repos/testutil"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/pipeline/submitldh"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/pkg/executor"
	"github.com/varianteffect/mavedb-worker/internal/queue"
)

// stubCAR registers alleles from a fixed hgvs -> caid table and remembers
// what was submitted.
type stubCAR struct {
	caidByHGVS map[string]string
	submitted  []string
}

func (s *stubCAR) DispatchSubmissions(ctx context.Context, hgvs []string) ([]clingen.RegisteredAllele, error) {
	s.submitted = append(s.submitted, hgvs...)
	out := make([]clingen.RegisteredAllele, 0, len(hgvs))
	for _, h := range hgvs {
		out = append(out, clingen.RegisteredAllele{HGVS: h, CAID: s.caidByHGVS[h]})
	}
	return out, nil
}

type carEnv struct {
	dbc dbctx.Context
	wc  *runtime.Context
	ss  *types.ScoreSet
}

func newCarEnv(t *testing.T, car *stubCAR, enabled bool) *carEnv {
	t.Helper()
	gdb := testutil.DB(t)
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := app.Config{
		ClinGenSubmissionEnabled:      enabled,
		CARSubmissionEndpoint:         "https://reg.test.genome.network/alleles",
		LDHSubmissionEndpoint:         "https://ldh.test.genome.network",
		DefaultLDHSubmissionBatchSize: 50,
		LinkingBackoffInSeconds:       900,
		JobDefaultMaxRetries:          3,
		WorkerConcurrency:             2,
	}
	log := testutil.Log()
	wc := &runtime.Context{
		DB:       gdb,
		Queue:    queue.NewRedisGateway(log, rdb),
		Repos:    runtime.NewRepos(gdb, log),
		Clients:  runtime.Clients{CAR: car},
		Executor: executor.NewPool(cfg.WorkerConcurrency),
		Config:   cfg,
		Log:      log,
	}
	return &carEnv{dbc: testutil.Ctx(gdb), wc: wc}
}

// seedMapped creates one variant whose current mapping carries the given
// post-mapped document.
func (e *carEnv) seedMapped(t *testing.T, idx int, postMapped string) *types.MappedVariant {
	t.Helper()
	v := &types.Variant{
		ID:         uuid.New(),
		URN:        fmt.Sprintf("%s#%d", e.ss.URN, idx),
		ScoreSetID: e.ss.ID,
	}
	require.NoError(t, e.dbc.Tx.Create(v).Error)
	mv, err := e.wc.Repos.MappedVariants.InsertCurrent(e.dbc, &types.MappedVariant{
		VariantID:     v.ID,
		PostMappedVRS: datatypes.JSON([]byte(postMapped)),
	})
	require.NoError(t, err)
	return mv
}

func (e *carEnv) runJob(t *testing.T) *runtime.Result {
	t.Helper()
	params := fmt.Sprintf(`{"score_set_id":%q}`, e.ss.ID.String())
	created, err := e.wc.Repos.JobRuns.Create(e.dbc, []*types.JobRun{{
		JobFunction: Name,
		JobParams:   datatypes.JSON([]byte(params)),
		MaxRetries:  3,
	}})
	require.NoError(t, err)

	jm, err := manager.NewJobManager(e.dbc, e.wc.Repos.JobRuns, e.wc.Queue, created[0].ID, testutil.Log())
	require.NoError(t, err)
	require.NoError(t, jm.StartJob())
	return Run(e.dbc, e.wc, jm)
}

func postMappedDoc(hgvs string) string {
	return fmt.Sprintf(`{"type":"Allele","expressions":[{"syntax":"hgvs.c","value":%q}]}`, hgvs)
}

func TestRegistrySubmissionAssignsCAIDs(t *testing.T) {
	car := &stubCAR{caidByHGVS: map[string]string{
		"NM_000546.6:c.215C>G": "CA000001",
		"NM_000546.6:c.743G>A": "CA000002",
	}}
	env := newCarEnv(t, car, true)
	env.ss = &types.ScoreSet{ID: uuid.New(), URN: "urn:mavedb:00000042-a-1"}
	require.NoError(t, env.dbc.Tx.Create(env.ss).Error)

	// Two variants share an hgvs; the registry sees it once, both rows get
	// the caid.
	mv1 := env.seedMapped(t, 1, postMappedDoc("NM_000546.6:c.215C>G"))
	mv2 := env.seedMapped(t, 2, postMappedDoc("NM_000546.6:c.215C>G"))
	mv3 := env.seedMapped(t, 3, postMappedDoc("NM_000546.6:c.743G>A"))

	res := env.runJob(t)
	require.Equal(t, runtime.StatusOK, res.Status)
	require.Equal(t, 2, res.Data["submitted"])
	require.Equal(t, 3, res.Data["caids_assigned"])
	require.Len(t, car.submitted, 2)

	want := map[uuid.UUID]string{mv1.ID: "CA000001", mv2.ID: "CA000001", mv3.ID: "CA000002"}
	for id, caid := range want {
		var fresh types.MappedVariant
		require.NoError(t, env.dbc.Tx.First(&fresh, "id = ?", id).Error)
		require.Equal(t, caid, fresh.CAID)
		require.Equal(t, caid, fresh.ClinGenAlleleID)
	}

	// The LDH submission is chained without a defer, so it is due at once.
	var chained []*types.JobRun
	require.NoError(t, env.dbc.Tx.Where("job_function = ?", submitldh.Name).Find(&chained).Error)
	require.Len(t, chained, 1)
	require.Equal(t, types.JobQueued, chained[0].Status)
	require.Equal(t, chained[0].ID.String(), res.Data["enqueued_job"])
	msg, err := env.wc.Queue.Dequeue(env.dbc.Ctx, submitldh.Name)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, chained[0].ID, msg.JobID)
}

func TestRegistrySubmissionSkipsWhenDisabled(t *testing.T) {
	env := newCarEnv(t, &stubCAR{}, false)
	env.ss = &types.ScoreSet{ID: uuid.New(), URN: "urn:mavedb:00000043-a-1"}
	require.NoError(t, env.dbc.Tx.Create(env.ss).Error)

	res := env.runJob(t)
	require.Equal(t, runtime.StatusSkipped, res.Status)
}

func TestRegistrySubmissionSkipsWithoutSubmittableHGVS(t *testing.T) {
	car := &stubCAR{caidByHGVS: map[string]string{}}
	env := newCarEnv(t, car, true)
	env.ss = &types.ScoreSet{ID: uuid.New(), URN: "urn:mavedb:00000044-a-1"}
	require.NoError(t, env.dbc.Tx.Create(env.ss).Error)

	// Post-mapped document without any hgvs expression.
	env.seedMapped(t, 1, `{"type":"Allele","expressions":[]}`)

	res := env.runJob(t)
	require.Equal(t, runtime.StatusSkipped, res.Status)
	require.Empty(t, car.submitted)
}

func TestHGVSFromPostMapped(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"first expression wins", `{"expressions":[{"syntax":"hgvs.c","value":"NM_1:c.1A>G"},{"syntax":"hgvs.p","value":"NP_1:p.M1V"}]}`, "NM_1:c.1A>G"},
		{"blank values skipped", `{"expressions":[{"syntax":"hgvs.c","value":""},{"syntax":"hgvs.p","value":"NP_1:p.M1V"}]}`, "NP_1:p.M1V"},
		{"no expressions", `{"type":"Allele"}`, ""},
		{"not json", `not a document`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, HGVSFromPostMapped([]byte(tc.raw)))
		})
	}
}
