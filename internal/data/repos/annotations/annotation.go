package annotations

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

// Record is the input to AddAnnotation.
type Record struct {
	VariantID       uuid.UUID
	AnnotationType  types.AnnotationType
	Version         string
	Status          types.AnnotationStatus
	FailureCategory string
	Data            map[string]any
	Current         bool
}

// StatusManager records per-variant outcomes of external enrichment steps.
// The invariant it guards: for (variant_id, annotation_type) at most one row
// has current = true.
type StatusManager interface {
	AddAnnotation(dbc dbctx.Context, rec Record) (*types.VariantAnnotation, error)
	GetCurrent(dbc dbctx.Context, variantID uuid.UUID, annotationType types.AnnotationType) (*types.VariantAnnotation, error)
	ListByVariant(dbc dbctx.Context, variantID uuid.UUID) ([]*types.VariantAnnotation, error)
}

type statusManager struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStatusManager(db *gorm.DB, baseLog *logger.Logger) StatusManager {
	return &statusManager{
		db:  db,
		log: baseLog.With("repo", "AnnotationStatusManager"),
	}
}

func (m *statusManager) AddAnnotation(dbc dbctx.Context, rec Record) (*types.VariantAnnotation, error) {
	now := time.Now().UTC()
	tx := dbc.DB(m.db).WithContext(dbc.Ctx)
	if rec.Current {
		if err := tx.Model(&types.VariantAnnotation{}).
			Where("variant_id = ? AND annotation_type = ? AND current = ?", rec.VariantID, rec.AnnotationType, true).
			Updates(map[string]interface{}{
				"current":    false,
				"updated_at": now,
			}).Error; err != nil {
			return nil, err
		}
	}
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	row := &types.VariantAnnotation{
		ID:              uuid.New(),
		VariantID:       rec.VariantID,
		AnnotationType:  rec.AnnotationType,
		Version:         rec.Version,
		Status:          rec.Status,
		FailureCategory: rec.FailureCategory,
		AnnotationData:  datatypes.JSON(b),
		Current:         rec.Current,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (m *statusManager) GetCurrent(dbc dbctx.Context, variantID uuid.UUID, annotationType types.AnnotationType) (*types.VariantAnnotation, error) {
	if variantID == uuid.Nil {
		return nil, nil
	}
	var row types.VariantAnnotation
	err := dbc.DB(m.db).WithContext(dbc.Ctx).
		Where("variant_id = ? AND annotation_type = ? AND current = ?", variantID, annotationType, true).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (m *statusManager) ListByVariant(dbc dbctx.Context, variantID uuid.UUID) ([]*types.VariantAnnotation, error) {
	var out []*types.VariantAnnotation
	if variantID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(m.db).WithContext(dbc.Ctx).
		Where("variant_id = ?", variantID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
