package mapping

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

type ScoreSetRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ScoreSet, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// SetStates drives the externally visible processing/mapping state pair.
	// Empty strings leave the corresponding state untouched.
	SetStates(dbc dbctx.Context, id uuid.UUID, processingState, mappingState string) error
	// SetProcessingErrors records operator-facing failure detail on the row.
	SetProcessingErrors(dbc dbctx.Context, id uuid.UUID, detail map[string]any) error
}

type scoreSetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScoreSetRepo(db *gorm.DB, baseLog *logger.Logger) ScoreSetRepo {
	return &scoreSetRepo{
		db:  db,
		log: baseLog.With("repo", "ScoreSetRepo"),
	}
}

func (r *scoreSetRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ScoreSet, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var ss types.ScoreSet
	err := dbc.DB(r.db).WithContext(dbc.Ctx).Where("id = ?", id).First(&ss).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

func (r *scoreSetRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.ScoreSet{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *scoreSetRepo) SetStates(dbc dbctx.Context, id uuid.UUID, processingState, mappingState string) error {
	updates := map[string]interface{}{}
	if processingState != "" {
		updates["processing_state"] = processingState
	}
	if mappingState != "" {
		updates["mapping_state"] = mappingState
	}
	if len(updates) == 0 {
		return nil
	}
	return r.UpdateFields(dbc, id, updates)
}

func (r *scoreSetRepo) SetProcessingErrors(dbc dbctx.Context, id uuid.UUID, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	return r.UpdateFields(dbc, id, map[string]interface{}{
		"processing_errors": datatypes.JSON(b),
	})
}

type TargetGeneRepo interface {
	ListByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) ([]*types.TargetGene, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type targetGeneRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTargetGeneRepo(db *gorm.DB, baseLog *logger.Logger) TargetGeneRepo {
	return &targetGeneRepo{
		db:  db,
		log: baseLog.With("repo", "TargetGeneRepo"),
	}
}

func (r *targetGeneRepo) ListByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) ([]*types.TargetGene, error) {
	var out []*types.TargetGene
	if scoreSetID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("score_set_id = ?", scoreSetID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *targetGeneRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.TargetGene{}).
		Where("id = ?", id).
		Updates(updates).Error
}
