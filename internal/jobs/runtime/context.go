package runtime

import (
	"gorm.io/gorm"

	"github.com/varianteffect/mavedb-worker/internal/app"
	"github.com/varianteffect/mavedb-worker/internal/clients/clingen"
	"github.com/varianteffect/mavedb-worker/internal/clients/clinvar"
	"github.com/varianteffect/mavedb-worker/internal/clients/gnomad"
	"github.com/varianteffect/mavedb-worker/internal/clients/uniprot"
	"github.com/varianteffect/mavedb-worker/internal/clients/vrs"
	annotationsrepo "github.com/varianteffect/mavedb-worker/internal/data/repos/annotations"
	jobsrepo "github.com/varianteffect/mavedb-worker/internal/data/repos/jobs"
	mappingrepo "github.com/varianteffect/mavedb-worker/internal/data/repos/mapping"
	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/pkg/executor"
	"github.com/varianteffect/mavedb-worker/internal/platform/gcs"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
	"github.com/varianteffect/mavedb-worker/internal/queue"
)

// Repos bundles every persistence gateway a job function may touch. All of
// them flush through the dbctx the dispatcher hands the function, so domain
// writes land in the same commit as the job's terminal transition.
type Repos struct {
	JobRuns          jobsrepo.JobRunRepo
	Pipelines        jobsrepo.PipelineRepo
	ScoreSets        mappingrepo.ScoreSetRepo
	TargetGenes      mappingrepo.TargetGeneRepo
	Variants         mappingrepo.VariantRepo
	MappedVariants   mappingrepo.MappedVariantRepo
	ClinicalControls mappingrepo.ClinicalControlRepo
	Annotations      annotationsrepo.StatusManager
}

func NewRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		JobRuns:          jobsrepo.NewJobRunRepo(db, log),
		Pipelines:        jobsrepo.NewPipelineRepo(db, log),
		ScoreSets:        mappingrepo.NewScoreSetRepo(db, log),
		TargetGenes:      mappingrepo.NewTargetGeneRepo(db, log),
		Variants:         mappingrepo.NewVariantRepo(db, log),
		MappedVariants:   mappingrepo.NewMappedVariantRepo(db, log),
		ClinicalControls: mappingrepo.NewClinicalControlRepo(db, log),
		Annotations:      annotationsrepo.NewStatusManager(db, log),
	}
}

// Clients bundles the external-service handles. Any may be nil when the
// corresponding integration is disabled; job functions check before use.
type Clients struct {
	VRS     vrs.Client
	CAR     clingen.CARClient
	LDH     clingen.LDHClient
	GnomAD  gnomad.Client
	UniProt uniprot.Client
	ClinVar clinvar.Client
	Storage gcs.Service
}

// Context is the shared environment every dispatched job function receives.
type Context struct {
	DB       *gorm.DB
	Queue    queue.Gateway
	Repos    Repos
	Clients  Clients
	Executor *executor.Pool
	Config   app.Config
	Log      *logger.Logger
}

// JobFunc is the unit of work the worker dispatches. The dbc carries the
// dispatcher's open transaction; jm manages the job row being executed.
type JobFunc func(dbc dbctx.Context, wc *Context, jm *manager.JobManager) *Result
