package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

type PipelineRepo interface {
	Create(dbc dbctx.Context, p *types.Pipeline) (*types.Pipeline, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Pipeline, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type pipelineRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineRepo(db *gorm.DB, baseLog *logger.Logger) PipelineRepo {
	return &pipelineRepo{
		db:  db,
		log: baseLog.With("repo", "PipelineRepo"),
	}
}

func (r *pipelineRepo) Create(dbc dbctx.Context, p *types.Pipeline) (*types.Pipeline, error) {
	if p == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = types.PipelineCreated
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := dbc.DB(r.db).WithContext(dbc.Ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (r *pipelineRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Pipeline, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var p types.Pipeline
	err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pipelineRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Pipeline{}).
		Where("id = ?", id).
		Updates(updates).Error
}
