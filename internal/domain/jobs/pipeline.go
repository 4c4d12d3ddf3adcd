package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Pipeline struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Status     PipelineStatus `gorm:"column:status;not null;index" json:"status"`
	StartedAt  *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (Pipeline) TableName() string { return "pipeline" }

// JobDependency is an edge from a dependent job to one of its predecessors.
type JobDependency struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID          uuid.UUID      `gorm:"type:uuid;column:job_id;not null;index" json:"job_id"`
	DependsOnJobID uuid.UUID      `gorm:"type:uuid;column:depends_on_job_id;not null;index" json:"depends_on_job_id"`
	DependencyType DependencyType `gorm:"column:dependency_type;not null" json:"dependency_type"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
}

func (JobDependency) TableName() string { return "job_dependency" }

func decodeJSONMap(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
