package mapping

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

type VariantRepo interface {
	CreateBatch(dbc dbctx.Context, variants []*types.Variant) ([]*types.Variant, error)
	ListByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) ([]*types.Variant, error)
	// DeleteByScoreSet removes all variants for the score set, cascading to
	// their mapped variants. Variant creation is replace-all.
	DeleteByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) (int64, error)
	CountByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) (int64, error)
}

type variantRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVariantRepo(db *gorm.DB, baseLog *logger.Logger) VariantRepo {
	return &variantRepo{
		db:  db,
		log: baseLog.With("repo", "VariantRepo"),
	}
}

func (r *variantRepo) CreateBatch(dbc dbctx.Context, variants []*types.Variant) ([]*types.Variant, error) {
	if len(variants) == 0 {
		return []*types.Variant{}, nil
	}
	now := time.Now().UTC()
	for _, v := range variants {
		if v.ID == uuid.Nil {
			v.ID = uuid.New()
		}
		if len(v.Data) == 0 {
			v.Data = datatypes.JSON([]byte("{}"))
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		v.UpdatedAt = now
	}
	if err := dbc.DB(r.db).WithContext(dbc.Ctx).CreateInBatches(&variants, 500).Error; err != nil {
		return nil, err
	}
	return variants, nil
}

func (r *variantRepo) ListByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) ([]*types.Variant, error) {
	var out []*types.Variant
	if scoreSetID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("score_set_id = ?", scoreSetID).
		Order("urn ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *variantRepo) DeleteByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) (int64, error) {
	if scoreSetID == uuid.Nil {
		return 0, nil
	}
	tx := dbc.DB(r.db).WithContext(dbc.Ctx)
	if err := tx.
		Where("variant_id IN (?)", tx.Session(&gorm.Session{NewDB: true}).
			Model(&types.Variant{}).
			Select("id").
			Where("score_set_id = ?", scoreSetID)).
		Delete(&types.MappedVariant{}).Error; err != nil {
		return 0, err
	}
	res := tx.Where("score_set_id = ?", scoreSetID).Delete(&types.Variant{})
	return res.RowsAffected, res.Error
}

func (r *variantRepo) CountByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) (int64, error) {
	var n int64
	if scoreSetID == uuid.Nil {
		return 0, nil
	}
	err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Model(&types.Variant{}).
		Where("score_set_id = ?", scoreSetID).
		Count(&n).Error
	return n, err
}
