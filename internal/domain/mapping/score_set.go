package mapping

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Processing and mapping states mirror what the public API exposes for a
// score set. The worker owns transitions between them.
const (
	ProcessingProcessing = "processing"
	ProcessingSuccess    = "success"
	ProcessingFailed     = "failed"

	MappingNotAttempted = "not_attempted"
	MappingQueued       = "queued"
	MappingProcessing   = "processing"
	MappingComplete     = "complete"
	MappingIncomplete   = "incomplete"
	MappingFailed       = "failed"
)

// ScoreSet is the domain row a variant pipeline operates on. The worker
// treats most columns as opaque; it only drives the state fields and the
// processing_errors detail blob.
type ScoreSet struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	URN              string         `gorm:"column:urn;not null;uniqueIndex" json:"urn"`
	Title            string         `gorm:"column:title" json:"title"`
	ProcessingState  string         `gorm:"column:processing_state;index" json:"processing_state"`
	MappingState     string         `gorm:"column:mapping_state;index" json:"mapping_state"`
	ProcessingErrors datatypes.JSON `gorm:"column:processing_errors;type:jsonb" json:"processing_errors,omitempty"`
	NumVariants      int            `gorm:"column:num_variants;not null;default:0" json:"num_variants"`
	CreatedAt        time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null" json:"updated_at"`
}

func (ScoreSet) TableName() string { return "score_set" }

// TargetGene holds per-target reference metadata. The pre/post mapped
// metadata blobs are keyed by annotation layer (genomic, cdna, protein).
type TargetGene struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ScoreSetID         uuid.UUID      `gorm:"type:uuid;column:score_set_id;not null;index" json:"score_set_id"`
	Name               string         `gorm:"column:name;not null" json:"name"`
	Category           string         `gorm:"column:category" json:"category"`
	PreMappedMetadata  datatypes.JSON `gorm:"column:pre_mapped_metadata;type:jsonb" json:"pre_mapped_metadata,omitempty"`
	PostMappedMetadata datatypes.JSON `gorm:"column:post_mapped_metadata;type:jsonb" json:"post_mapped_metadata,omitempty"`
	UniProtAccession   string         `gorm:"column:uniprot_accession" json:"uniprot_accession,omitempty"`
	UniProtMetadata    datatypes.JSON `gorm:"column:uniprot_metadata;type:jsonb" json:"uniprot_metadata,omitempty"`
	CreatedAt          time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null" json:"updated_at"`
}

func (TargetGene) TableName() string { return "target_gene" }

// AnnotationLayer is the closed set of coordinate spaces a mapped reference
// can be expressed in.
type AnnotationLayer string

const (
	LayerGenomic AnnotationLayer = "genomic"
	LayerCDNA    AnnotationLayer = "cdna"
	LayerProtein AnnotationLayer = "protein"
)
