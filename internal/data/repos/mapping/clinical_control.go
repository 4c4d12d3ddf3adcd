package mapping

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

type ClinicalControlRepo interface {
	// Upsert inserts or refreshes the control keyed by
	// (mapped_variant_id, db_identifier, db_version).
	Upsert(dbc dbctx.Context, cc *types.ClinicalControl) (*types.ClinicalControl, error)
	ListByMappedVariant(dbc dbctx.Context, mappedVariantID uuid.UUID) ([]*types.ClinicalControl, error)
}

type clinicalControlRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewClinicalControlRepo(db *gorm.DB, baseLog *logger.Logger) ClinicalControlRepo {
	return &clinicalControlRepo{
		db:  db,
		log: baseLog.With("repo", "ClinicalControlRepo"),
	}
}

func (r *clinicalControlRepo) Upsert(dbc dbctx.Context, cc *types.ClinicalControl) (*types.ClinicalControl, error) {
	if cc == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	if cc.ID == uuid.Nil {
		cc.ID = uuid.New()
	}
	if cc.DB == "" {
		cc.DB = "ClinVar"
	}
	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = now
	}
	cc.UpdatedAt = now
	err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "mapped_variant_id"},
				{Name: "db_identifier"},
				{Name: "db_version"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"gene_symbol",
				"clinical_significance",
				"clinical_review_status",
				"raw",
				"updated_at",
			}),
		}).
		Create(cc).Error
	if err != nil {
		return nil, err
	}
	return cc, nil
}

func (r *clinicalControlRepo) ListByMappedVariant(dbc dbctx.Context, mappedVariantID uuid.UUID) ([]*types.ClinicalControl, error) {
	var out []*types.ClinicalControl
	if mappedVariantID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).WithContext(dbc.Ctx).
		Where("mapped_variant_id = ?", mappedVariantID).
		Order("db_version DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
