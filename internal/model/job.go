package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobType is the kind of transformation a ProcessingJob performs.
type JobType string

const (
	JobResize   JobType = "resize"
	JobConvert  JobType = "convert"
	JobOptimize JobType = "optimize"
)

// JobStatus is a ProcessingJob state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ResizeParams scales an image to fit inside Width x Height. A zero side is
// derived from the aspect ratio. Format optionally overrides the output encoding.
type ResizeParams struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format,omitempty"`
}

// ConvertParams re-encodes an image into Format (jpeg, png, gif or webp).
type ConvertParams struct {
	Format string `json:"format"`
}

// OptimizeParams recompresses an image without changing its pixels.
type OptimizeParams struct{}

// JobSpec is a closed tagged union: exactly the member matching Type is set.
type JobSpec struct {
	Type     JobType         `json:"type"`
	Resize   *ResizeParams   `json:"resize,omitempty"`
	Convert  *ConvertParams  `json:"convert,omitempty"`
	Optimize *OptimizeParams `json:"optimize,omitempty"`
}

func ResizeSpec(width, height int) JobSpec {
	return JobSpec{Type: JobResize, Resize: &ResizeParams{Width: width, Height: height}}
}

func ConvertSpec(format string) JobSpec {
	return JobSpec{Type: JobConvert, Convert: &ConvertParams{Format: format}}
}

func OptimizeSpec() JobSpec {
	return JobSpec{Type: JobOptimize, Optimize: &OptimizeParams{}}
}

// Validate checks that a JobSpec carries the parameters its type requires.
func (s JobSpec) Validate() error {
	switch s.Type {
	case JobResize:
		if s.Resize == nil || s.Convert != nil || s.Optimize != nil {
			return fmt.Errorf("resize job requires resize parameters only")
		}
		if s.Resize.Width < 0 || s.Resize.Height < 0 || (s.Resize.Width == 0 && s.Resize.Height == 0) {
			return fmt.Errorf("resize job requires a positive width or height")
		}
	case JobConvert:
		if s.Convert == nil || s.Resize != nil || s.Optimize != nil {
			return fmt.Errorf("convert job requires convert parameters only")
		}
		if s.Convert.Format == "" {
			return fmt.Errorf("convert job requires a target format")
		}
	case JobOptimize:
		if s.Resize != nil || s.Convert != nil {
			return fmt.Errorf("optimize job takes no resize or convert parameters")
		}
	default:
		return fmt.Errorf("unknown job type %q", s.Type)
	}
	return nil
}

// ProcessingJob is one variant-generation task for an image.
type ProcessingJob struct {
	ID           uuid.UUID                   `gorm:"type:varchar(36);primaryKey" json:"id"`
	ImageID      uuid.UUID                   `gorm:"type:varchar(36);index;not null" json:"image_id"`
	VariantName  string                      `gorm:"type:varchar(64);not null" json:"variant"`
	JobType      JobType                     `gorm:"type:varchar(16);not null" json:"job_type"`
	Spec         datatypes.JSONType[JobSpec] `gorm:"not null" json:"parameters"`
	Status       JobStatus                   `gorm:"type:varchar(16);index:idx_jobs_status_available;not null" json:"status"`
	RetryCount   int                         `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int                         `gorm:"not null;default:3" json:"max_retries"`
	ErrorMessage *string                     `gorm:"type:text;default:null" json:"error_message,omitempty"`
	LeaseToken   string                      `gorm:"type:varchar(36);not null;default:''" json:"-"`
	WorkerID     string                      `gorm:"type:varchar(128);not null;default:''" json:"worker_id,omitempty"`
	AvailableAt  time.Time                   `gorm:"index:idx_jobs_status_available;not null" json:"available_at"`
	CreatedAt    time.Time                   `json:"created_at"`
	StartedAt    *time.Time                  `gorm:"default:null" json:"started_at,omitempty"`
	CompletedAt  *time.Time                  `gorm:"default:null" json:"completed_at,omitempty"`
}

// BeforeCreate assigns a random identifier when none was set.
func (j *ProcessingJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}
