package entities

import (
	"time"

	"github.com/google/uuid"
	"transcode-coordinator/constant"
)

type VideoLiveSession struct {
	ID              uint                `json:"-" gorm:"primaryKey;autoIncrement"`
	UUID            uuid.UUID           `json:"uuid" gorm:"type:uuid;not null;uniqueIndex"`
	LiveVideoUUID   uuid.UUID           `json:"liveVideoUUID" gorm:"type:uuid;not null;index:idx_video_live_sessions_video"`
	RTMPSessionID   string              `json:"-" gorm:"type:varchar(128)"`
	StartDate       time.Time           `json:"startDate" gorm:"not null"`
	EndDate         *time.Time          `json:"endDate,omitempty"`
	Error           *constant.LiveError `json:"error,omitempty" gorm:"type:varchar(64)"`
	SaveReplay      bool                `json:"saveReplay" gorm:"not null;default:false"`
	ReplayPrivacy   constant.Privacy    `json:"replayPrivacy,omitempty" gorm:"type:varchar(16)"`
	EndingProcessed bool                `json:"endingProcessed" gorm:"not null;default:false"`
	ReplayObjectKey *string             `json:"replayObjectKey,omitempty" gorm:"type:varchar(500)"`
	SegmentCount    int                 `json:"segmentCount" gorm:"not null;default:0"`
	CreatedAt       time.Time           `json:"createdAt" gorm:"not null"`
	UpdatedAt       time.Time           `json:"updatedAt" gorm:"not null"`
}

func (VideoLiveSession) TableName() string {
	return "video_live_sessions"
}
