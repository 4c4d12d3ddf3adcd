package mapping

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Variant is a single HGVS-denoted change belonging to a score set.
type Variant struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	URN        string         `gorm:"column:urn;not null;uniqueIndex" json:"urn"`
	ScoreSetID uuid.UUID      `gorm:"type:uuid;column:score_set_id;not null;index" json:"score_set_id"`
	HGVSNt     string         `gorm:"column:hgvs_nt" json:"hgvs_nt,omitempty"`
	HGVSPro    string         `gorm:"column:hgvs_pro" json:"hgvs_pro,omitempty"`
	HGVSSplice string         `gorm:"column:hgvs_splice" json:"hgvs_splice,omitempty"`
	Data       datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (Variant) TableName() string { return "variant" }

// MappedVariant binds a variant to its VRS representation and external
// identifiers. At most one row per variant may be current.
type MappedVariant struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	VariantID         uuid.UUID      `gorm:"type:uuid;column:variant_id;not null;index" json:"variant_id"`
	PreMappedVRS      datatypes.JSON `gorm:"column:pre_mapped;type:jsonb" json:"pre_mapped,omitempty"`
	PostMappedVRS     datatypes.JSON `gorm:"column:post_mapped;type:jsonb" json:"post_mapped,omitempty"`
	CAID              string         `gorm:"column:caid;index" json:"caid,omitempty"`
	ClinGenAlleleID   string         `gorm:"column:clingen_allele_id" json:"clingen_allele_id,omitempty"`
	Current           bool           `gorm:"column:current;not null;default:false;index" json:"current"`
	ErrorMessage      string         `gorm:"column:error_message" json:"error_message,omitempty"`
	MappedDate        time.Time      `gorm:"column:mapped_date;not null" json:"mapped_date"`
	MappingAPIVersion string         `gorm:"column:mapping_api_version" json:"mapping_api_version,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (MappedVariant) TableName() string { return "mapped_variant" }
