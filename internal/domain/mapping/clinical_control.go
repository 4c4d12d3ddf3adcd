package mapping

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ClinicalControl is one ClinVar observation for a mapped variant, versioned
// by monthly snapshot (MM_YYYY).
type ClinicalControl struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	MappedVariantID      uuid.UUID      `gorm:"type:uuid;column:mapped_variant_id;not null;uniqueIndex:idx_clinical_control_version" json:"mapped_variant_id"`
	DB                   string         `gorm:"column:db_name;not null;default:ClinVar" json:"db_name"`
	DBIdentifier         string         `gorm:"column:db_identifier;not null;uniqueIndex:idx_clinical_control_version" json:"db_identifier"`
	DBVersion            string         `gorm:"column:db_version;not null;uniqueIndex:idx_clinical_control_version" json:"db_version"`
	GeneSymbol           string         `gorm:"column:gene_symbol" json:"gene_symbol,omitempty"`
	ClinicalSignificance string         `gorm:"column:clinical_significance" json:"clinical_significance,omitempty"`
	ClinicalReviewStatus string         `gorm:"column:clinical_review_status" json:"clinical_review_status,omitempty"`
	Raw                  datatypes.JSON `gorm:"column:raw;type:jsonb" json:"raw,omitempty"`
	CreatedAt            time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"not null" json:"updated_at"`
}

func (ClinicalControl) TableName() string { return "clinical_control" }
