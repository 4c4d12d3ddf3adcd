package refreshclinvar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/varianteffect/mavedb-worker/internal/app"
	"github.com/varianteffect/mavedb-worker/internal/clients/clingen"
	"github.com/varianteffect/mavedb-worker/internal/data/repos/testutil"
	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/jobs/runtime"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/pkg/executor"
)

// stubClinVar serves one canned variant_summary TSV.
type stubClinVar struct {
	tsv []byte
}

func (s *stubClinVar) FetchVariantSummaryTSV(ctx context.Context, month, year int) ([]byte, error) {
	return s.tsv, nil
}

// stubLDH resolves variations from a fixed map; urns in errURNs fail the way
// an LDH outage does.
type stubLDH struct {
	byURN   map[string]*clingen.Variation
	errURNs map[string]bool
}

func (s *stubLDH) Authenticate(ctx context.Context) error { return nil }

func (s *stubLDH) DispatchSubmissions(ctx context.Context, submissions []clingen.Submission, batchSize int) ([]clingen.SubmissionOutcome, []clingen.SubmissionOutcome, error) {
	return nil, nil, nil
}

func (s *stubLDH) GetClinGenVariation(ctx context.Context, variantURN string) (*clingen.Variation, error) {
	if s.errURNs[variantURN] {
		return nil, errors.New("ldh unavailable")
	}
	return s.byURN[variantURN], nil
}

// summaryTSV builds a minimal variant_summary archive with one GRCh38 row
// per allele id, plus a GRCh37 duplicate that must be ignored.
func summaryTSV(alleleIDs ...string) []byte {
	var b strings.Builder
	b.WriteString("#AlleleID\tType\tName\tGeneSymbol\tClinicalSignificance\tReviewStatus\tAssembly\n")
	for _, id := range alleleIDs {
		fmt.Fprintf(&b, "%s\tsingle nucleotide variant\tNM_000546.6(TP53):c.215C>G\tTP53\tPathogenic\tcriteria provided, multiple submitters\tGRCh38\n", id)
		fmt.Fprintf(&b, "%s\tsingle nucleotide variant\tNM_000546.6(TP53):c.215C>G\tTP53\tBenign\tno assertion criteria provided\tGRCh37\n", id)
	}
	return []byte(b.String())
}

type refreshEnv struct {
	dbc dbctx.Context
	wc  *runtime.Context
	ss  *types.ScoreSet
}

func newRefreshEnv(t *testing.T, cv *stubClinVar, ldh *stubLDH) *refreshEnv {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Log()
	wc := &runtime.Context{
		DB:       gdb,
		Repos:    runtime.NewRepos(gdb, log),
		Clients:  runtime.Clients{ClinVar: cv, LDH: ldh},
		Executor: executor.NewPool(2),
		Config:   app.Config{JobDefaultMaxRetries: 3, WorkerConcurrency: 2},
		Log:      log,
	}
	env := &refreshEnv{dbc: testutil.Ctx(gdb), wc: wc}
	env.ss = &types.ScoreSet{ID: uuid.New(), URN: "urn:mavedb:00000042-a-1"}
	require.NoError(t, env.dbc.Tx.Create(env.ss).Error)
	return env
}

type seeded struct {
	variant *types.Variant
	mapped  *types.MappedVariant
}

func (e *refreshEnv) seedMapped(t *testing.T, idx int, caid string) seeded {
	t.Helper()
	v := &types.Variant{
		ID:         uuid.New(),
		URN:        fmt.Sprintf("%s#%d", e.ss.URN, idx),
		ScoreSetID: e.ss.ID,
	}
	require.NoError(t, e.dbc.Tx.Create(v).Error)
	mv, err := e.wc.Repos.MappedVariants.InsertCurrent(e.dbc, &types.MappedVariant{
		VariantID:     v.ID,
		PostMappedVRS: datatypes.JSON([]byte(`{"type":"Allele"}`)),
		CAID:          caid,
	})
	require.NoError(t, err)
	return seeded{variant: v, mapped: mv}
}

func (e *refreshEnv) runJob(t *testing.T, params string) *runtime.Result {
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

func (e *refreshEnv) currentAnnotation(t *testing.T, variantID uuid.UUID) *types.VariantAnnotation {
	t.Helper()
	ann, err := e.wc.Repos.Annotations.GetCurrent(e.dbc, variantID, types.AnnotationClinVarControl)
	require.NoError(t, err)
	require.NotNil(t, ann)
	return ann
}

func TestRefreshUpsertsControlAndRecordsSuccess(t *testing.T) {
	ldh := &stubLDH{byURN: map[string]*clingen.Variation{}}
	env := newRefreshEnv(t, &stubClinVar{tsv: summaryTSV("15041")}, ldh)
	s := env.seedMapped(t, 1, "CA000001")
	ldh.byURN[s.variant.URN] = &clingen.Variation{
		VariantURN:       s.variant.URN,
		CAID:             "CA000001",
		ClinVarAlleleIDs: []string{"15041"},
	}

	res := env.runJob(t, fmt.Sprintf(`{"score_set_id":%q,"year":2025,"month":6}`, env.ss.ID.String()))
	require.Equal(t, runtime.StatusOK, res.Status)
	require.Equal(t, "06_2025", res.Data["version"])
	require.Equal(t, 1, res.Data["variants"])
	require.Equal(t, 1, res.Data["refreshed"])

	var control types.ClinicalControl
	require.NoError(t, env.dbc.Tx.First(&control, "mapped_variant_id = ?", s.mapped.ID).Error)
	require.Equal(t, "15041", control.DBIdentifier)
	require.Equal(t, "06_2025", control.DBVersion)
	require.Equal(t, "TP53", control.GeneSymbol)
	require.Equal(t, "Pathogenic", control.ClinicalSignificance)

	ann := env.currentAnnotation(t, s.variant.ID)
	require.Equal(t, types.AnnotationSuccess, ann.Status)
	require.Equal(t, "06_2025", ann.Version)
	data := map[string]any{}
	require.NoError(t, json.Unmarshal(ann.AnnotationData, &data))
	require.Equal(t, "15041", data["allele_id"])
	require.Equal(t, "Pathogenic", data["clinical_significance"])
}

func TestRefreshFailureCategoriesAreClosedSet(t *testing.T) {
	ldh := &stubLDH{byURN: map[string]*clingen.Variation{}, errURNs: map[string]bool{}}
	env := newRefreshEnv(t, &stubClinVar{tsv: summaryTSV("15041")}, ldh)

	refreshed := env.seedMapped(t, 1, "CA000001")
	noCAID := env.seedMapped(t, 2, "")
	apiError := env.seedMapped(t, 3, "CA000003")
	noAllele := env.seedMapped(t, 4, "CA000004")
	ambiguous := env.seedMapped(t, 5, "CA000005")
	noData := env.seedMapped(t, 6, "CA000006")

	ldh.byURN[refreshed.variant.URN] = &clingen.Variation{ClinVarAlleleIDs: []string{"15041"}}
	ldh.errURNs[apiError.variant.URN] = true
	ldh.byURN[noAllele.variant.URN] = &clingen.Variation{}
	ldh.byURN[ambiguous.variant.URN] = &clingen.Variation{ClinVarAlleleIDs: []string{"15041", "99999"}}
	ldh.byURN[noData.variant.URN] = &clingen.Variation{ClinVarAlleleIDs: []string{"99999"}}

	res := env.runJob(t, fmt.Sprintf(`{"score_set_id":%q,"year":2025,"month":6}`, env.ss.ID.String()))
	require.Equal(t, runtime.StatusOK, res.Status)
	require.Equal(t, 6, res.Data["variants"])
	require.Equal(t, 1, res.Data["refreshed"])
	require.Equal(t, 1, res.Data["missing_caid"])
	require.Equal(t, 1, res.Data["clingen_errors"])
	require.Equal(t, 1, res.Data["no_clinvar_allele"])
	require.Equal(t, 1, res.Data["ambiguous_allele"])
	require.Equal(t, 1, res.Data["no_variant_data"])

	cases := []struct {
		name     string
		seed     seeded
		status   types.AnnotationStatus
		category string
	}{
		{"missing caid", noCAID, types.AnnotationSkipped, types.AnnotationFailureMissingClinGenAlleleID},
		{"ldh outage", apiError, types.AnnotationFailed, types.AnnotationFailureClinGenAPIError},
		{"no clinvar allele", noAllele, types.AnnotationSkipped, types.AnnotationFailureNoClinVarAlleleID},
		{"ambiguous allele", ambiguous, types.AnnotationSkipped, types.AnnotationFailureMultiVariantClinGenAlleleID},
		{"absent from summary", noData, types.AnnotationSkipped, types.AnnotationFailureNoClinVarVariantData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ann := env.currentAnnotation(t, tc.seed.variant.ID)
			require.Equal(t, tc.status, ann.Status)
			require.Equal(t, tc.category, ann.FailureCategory)
			require.Equal(t, "06_2025", ann.Version)
		})
	}

	// Only the resolved allele produced a clinical control.
	var count int64
	require.NoError(t, env.dbc.Tx.Model(&types.ClinicalControl{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestRefreshRequiresYearAndMonth(t *testing.T) {
	env := newRefreshEnv(t, &stubClinVar{tsv: summaryTSV("15041")}, &stubLDH{})
	env.seedMapped(t, 1, "CA000001")

	res := env.runJob(t, fmt.Sprintf(`{"score_set_id":%q,"year":2025}`, env.ss.ID.String()))
	require.Equal(t, runtime.StatusFailed, res.Status)

	var ve *manager.ValidationError
	require.True(t, errors.As(res.Err, &ve), "err = %v", res.Err)
}
