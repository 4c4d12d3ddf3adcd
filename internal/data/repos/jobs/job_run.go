package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

// Dependency is one edge of a job's dependency list, joined with the
// predecessor row so callers can evaluate readiness in a single pass.
type Dependency struct {
	Edge        types.JobDependency
	Predecessor *types.JobRun
}

// JobRunRepo is the persistence gateway for job_run rows. Writes mutate and
// flush within the caller's transaction; committing is never done here.
type JobRunRepo interface {
	Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error)
	GetByURN(dbc dbctx.Context, urn string) (*types.JobRun, error)
	ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID, statuses ...types.JobStatus) ([]*types.JobRun, error)
	ListDependencies(dbc dbctx.Context, jobID uuid.UUID) ([]Dependency, error)
	CreateDependencies(dbc dbctx.Context, deps []*types.JobDependency) error
	CountByStatus(dbc dbctx.Context, pipelineID uuid.UUID) (map[types.JobStatus]int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	SaveMetadata(dbc dbctx.Context, id uuid.UUID, metadata map[string]any) error
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return &jobRunRepo{
		db:  db,
		log: baseLog.With("repo", "JobRunRepo"),
	}
}

func (r *jobRunRepo) Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error) {
	if len(jobs) == 0 {
		return []*types.JobRun{}, nil
	}
	now := time.Now().UTC()
	for _, j := range jobs {
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		if j.URN == "" {
			j.URN = "urn:mavedb:job:" + j.ID.String()
		}
		if j.Status == "" {
			j.Status = types.JobPending
		}
		if j.ProgressTotal == 0 {
			j.ProgressTotal = 100
		}
		if len(j.JobParams) == 0 {
			j.JobParams = datatypes.JSON([]byte("{}"))
		}
		if len(j.Metadata) == 0 {
			j.Metadata = datatypes.JSON([]byte("{}"))
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		j.UpdatedAt = now
	}
	if err := dbc.DB(r.db).WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.JobRun
	err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRunRepo) GetByURN(dbc dbctx.Context, urn string) (*types.JobRun, error) {
	if urn == "" {
		return nil, nil
	}
	var job types.JobRun
	err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("urn = ?", urn).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRunRepo) ListByPipeline(dbc dbctx.Context, pipelineID uuid.UUID, statuses ...types.JobStatus) ([]*types.JobRun, error) {
	var out []*types.JobRun
	if pipelineID == uuid.Nil {
		return out, nil
	}
	q := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("created_at ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRunRepo) ListDependencies(dbc dbctx.Context, jobID uuid.UUID) ([]Dependency, error) {
	if jobID == uuid.Nil {
		return nil, nil
	}
	var edges []types.JobDependency
	if err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Find(&edges).Error; err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.DependsOnJobID)
	}
	var preds []*types.JobRun
	if err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&preds).Error; err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*types.JobRun, len(preds))
	for _, p := range preds {
		byID[p.ID] = p
	}
	out := make([]Dependency, 0, len(edges))
	for _, e := range edges {
		out = append(out, Dependency{Edge: e, Predecessor: byID[e.DependsOnJobID]})
	}
	return out, nil
}

func (r *jobRunRepo) CreateDependencies(dbc dbctx.Context, deps []*types.JobDependency) error {
	if len(deps) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, d := range deps {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
	}
	return dbc.DB(r.db).WithContext(dbc.Ctx).Create(&deps).Error
}

func (r *jobRunRepo) CountByStatus(dbc dbctx.Context, pipelineID uuid.UUID) (map[types.JobStatus]int64, error) {
	out := map[types.JobStatus]int64{}
	if pipelineID == uuid.Nil {
		return out, nil
	}
	var rows []struct {
		Status types.JobStatus
		N      int64
	}
	err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Model(&types.JobRun{}).
		Select("status, count(*) AS n").
		Where("pipeline_id = ?", pipelineID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *jobRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.DB(r.db).WithContext(dbc.Ctx).
		Model(&types.JobRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// SaveMetadata rewrites the metadata column wholesale. JSON columns do not
// get dirty-tracked on in-place mutation, so callers hand the full map back
// here after every change.
func (r *jobRunRepo) SaveMetadata(dbc dbctx.Context, id uuid.UUID, metadata map[string]any) error {
	if id == uuid.Nil {
		return nil
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return r.UpdateFields(dbc, id, map[string]interface{}{
		"metadata": datatypes.JSON(b),
	})
}
