package mapping

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AnnotationType names an external enrichment step whose per-variant outcome
// is recorded.
type AnnotationType string

const (
	AnnotationClinVarControl AnnotationType = "clinvar_control"
	AnnotationUniProtMapping AnnotationType = "uniprot_mapping"
	AnnotationGnomADLinkage  AnnotationType = "gnomad_linkage"
	AnnotationClinGenLinkage AnnotationType = "clingen_linkage"
)

type AnnotationStatus string

const (
	AnnotationSuccess AnnotationStatus = "success"
	AnnotationFailed  AnnotationStatus = "failed"
	AnnotationSkipped AnnotationStatus = "skipped"
)

// Per-variant failure categories used by the ClinVar refresh job.
const (
	AnnotationFailureMissingClinGenAlleleID      = "missing_clingen_allele_id"
	AnnotationFailureMultiVariantClinGenAlleleID = "multi_variant_clingen_allele_id"
	AnnotationFailureClinGenAPIError             = "clingen_api_error"
	AnnotationFailureNoClinVarAlleleID           = "no_associated_clinvar_allele_id"
	AnnotationFailureNoClinVarVariantData        = "no_clinvar_variant_data"
)

// VariantAnnotation records one annotation attempt for a variant. For a
// given (variant_id, annotation_type) at most one row is current.
type VariantAnnotation struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	VariantID       uuid.UUID        `gorm:"type:uuid;column:variant_id;not null;index:idx_variant_annotation_type" json:"variant_id"`
	AnnotationType  AnnotationType   `gorm:"column:annotation_type;not null;index:idx_variant_annotation_type" json:"annotation_type"`
	Version         string           `gorm:"column:version" json:"version,omitempty"`
	Status          AnnotationStatus `gorm:"column:status;not null" json:"status"`
	FailureCategory string           `gorm:"column:failure_category" json:"failure_category,omitempty"`
	AnnotationData  datatypes.JSON   `gorm:"column:annotation_data;type:jsonb" json:"annotation_data,omitempty"`
	Current         bool             `gorm:"column:current;not null;default:false;index" json:"current"`
	CreatedAt       time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"not null" json:"updated_at"`
}

func (VariantAnnotation) TableName() string { return "variant_annotation" }
