package mapping

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

// CurrentMapped pairs a variant with its current mapped representation.
type CurrentMapped struct {
	Variant *types.Variant
	Mapped  *types.MappedVariant
}

type MappedVariantRepo interface {
	// InsertCurrent flips any prior current row for the variant to false and
	// inserts mv with current=true, preserving the one-current invariant.
	InsertCurrent(dbc dbctx.Context, mv *types.MappedVariant) (*types.MappedVariant, error)
	GetCurrentByVariant(dbc dbctx.Context, variantID uuid.UUID) (*types.MappedVariant, error)
	// ListCurrentByScoreSet joins current mapped variants against their
	// variants for every variant in the score set.
	ListCurrentByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) ([]CurrentMapped, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type mappedVariantRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMappedVariantRepo(db *gorm.DB, baseLog *logger.Logger) MappedVariantRepo {
	return &mappedVariantRepo{
		db:  db,
		log: baseLog.With("repo", "MappedVariantRepo"),
	}
}

func (r *mappedVariantRepo) InsertCurrent(dbc dbctx.Context, mv *types.MappedVariant) (*types.MappedVariant, error) {
	if mv == nil || mv.VariantID == uuid.Nil {
		return nil, errors.New("mapped variant requires a variant_id")
	}
	now := time.Now().UTC()
	tx := dbc.DB(r.db).WithContext(dbc.Ctx)
	if err := tx.Model(&types.MappedVariant{}).
		Where("variant_id = ? AND current = ?", mv.VariantID, true).
		Updates(map[string]interface{}{
			"current":    false,
			"updated_at": now,
		}).Error; err != nil {
		return nil, err
	}
	if mv.ID == uuid.Nil {
		mv.ID = uuid.New()
	}
	mv.Current = true
	if mv.MappedDate.IsZero() {
		mv.MappedDate = now
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = now
	}
	mv.UpdatedAt = now
	if err := tx.Create(mv).Error; err != nil {
		return nil, err
	}
	return mv, nil
}

func (r *mappedVariantRepo) GetCurrentByVariant(dbc dbctx.Context, variantID uuid.UUID) (*types.MappedVariant, error) {
	if variantID == uuid.Nil {
		return nil, nil
	}
	var mv types.MappedVariant
	err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("variant_id = ? AND current = ?", variantID, true).
		First(&mv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

func (r *mappedVariantRepo) ListCurrentByScoreSet(dbc dbctx.Context, scoreSetID uuid.UUID) ([]CurrentMapped, error) {
	if scoreSetID == uuid.Nil {
		return nil, nil
	}
	tx := dbc.DB(r.db).WithContext(dbc.Ctx)
	var variants []*types.Variant
	if err := tx.
		Where("score_set_id = ?", scoreSetID).
		Order("urn ASC").
		Find(&variants).Error; err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(variants))
	for _, v := range variants {
		ids = append(ids, v.ID)
	}
	var mapped []*types.MappedVariant
	if err := tx.
		Where("variant_id IN ? AND current = ?", ids, true).
		Find(&mapped).Error; err != nil {
		return nil, err
	}
	byVariant := make(map[uuid.UUID]*types.MappedVariant, len(mapped))
	for _, mv := range mapped {
		byVariant[mv.VariantID] = mv
	}
	out := make([]CurrentMapped, 0, len(variants))
	for _, v := range variants {
		out = append(out, CurrentMapped{Variant: v, Mapped: byVariant[v.ID]})
	}
	return out, nil
}

func (r *mappedVariantRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.MappedVariant{}).
		Where("id = ?", id).
		Updates(updates).Error
}
