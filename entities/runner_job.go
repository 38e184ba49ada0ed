package entities

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"transcode-coordinator/constant"
)

type RunnerJob struct {
	ID                 uint              `json:"-" gorm:"primaryKey;autoIncrement"`
	UUID               uuid.UUID         `json:"uuid" gorm:"type:uuid;not null;uniqueIndex"`
	Type               constant.JobType  `json:"type" gorm:"type:varchar(64);not null;index:idx_runner_jobs_available,priority:2"`
	Payload            datatypes.JSON    `json:"payload"`
	PrivatePayload     datatypes.JSON    `json:"-"`
	State              constant.JobState `json:"state" gorm:"type:varchar(32);not null;index:idx_runner_jobs_available,priority:1"`
	Priority           int               `json:"priority" gorm:"not null;default:0"`
	Progress           int               `json:"progress" gorm:"not null;default:0"`
	ProcessingJobToken *string           `json:"-" gorm:"type:varchar(128);index"`
	RunnerID           *uint             `json:"runnerId" gorm:"index"`
	DependsOnUUID      *uuid.UUID        `json:"dependsOnUUID,omitempty" gorm:"type:uuid;index"`
	Failures           int               `json:"failures" gorm:"not null;default:0"`
	OwnerID            string            `json:"ownerId" gorm:"type:varchar(64);index"`
	Error              *string           `json:"error,omitempty" gorm:"type:text"`
	ProgressAt         *time.Time        `json:"progressAt,omitempty"`
	StartedAt          *time.Time        `json:"startedAt,omitempty"`
	FinishedAt         *time.Time        `json:"finishedAt,omitempty"`
	CreatedAt          time.Time         `json:"createdAt" gorm:"not null"`
	UpdatedAt          time.Time         `json:"updatedAt" gorm:"not null"`
}

func (RunnerJob) TableName() string {
	return "runner_jobs"
}
