package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobRun is the authoritative record of one job execution. The urn doubles
// as the queue-side client job id, so re-enqueues of the same job coalesce.
type JobRun struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	URN               string          `gorm:"column:urn;not null;uniqueIndex" json:"urn"`
	JobFunction       string          `gorm:"column:job_function;not null;index" json:"job_function"`
	PipelineID        *uuid.UUID      `gorm:"type:uuid;column:pipeline_id;index" json:"pipeline_id,omitempty"`
	Status            JobStatus       `gorm:"column:status;not null;index" json:"status"`
	JobParams         datatypes.JSON  `gorm:"column:job_params;type:jsonb" json:"job_params"`
	Metadata          datatypes.JSON  `gorm:"column:metadata;type:jsonb" json:"metadata"`
	ProgressCurrent   int             `gorm:"column:progress_current;not null;default:0" json:"progress_current"`
	ProgressTotal     int             `gorm:"column:progress_total;not null;default:100" json:"progress_total"`
	ProgressMessage   string          `gorm:"column:progress_message" json:"progress_message,omitempty"`
	StartedAt         *time.Time      `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time      `gorm:"column:finished_at" json:"finished_at,omitempty"`
	RetryCount        int             `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries        int             `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	RetryDelaySeconds int             `gorm:"column:retry_delay_seconds;not null;default:0" json:"retry_delay_seconds"`
	FailureCategory   FailureCategory `gorm:"column:failure_category" json:"failure_category,omitempty"`
	ErrorMessage      string          `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorTraceback    string          `gorm:"column:error_traceback" json:"error_traceback,omitempty"`
	CreatedAt         time.Time       `gorm:"not null;index" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"not null" json:"updated_at"`
}

func (JobRun) TableName() string { return "job_run" }

// MetadataMap decodes the metadata JSON scratchpad. Never returns nil.
func (j *JobRun) MetadataMap() map[string]any {
	return decodeJSONMap(j.Metadata)
}

// ParamsMap decodes job_params. Never returns nil.
func (j *JobRun) ParamsMap() map[string]any {
	return decodeJSONMap(j.JobParams)
}
