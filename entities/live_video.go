package entities

import (
	"time"

	"github.com/google/uuid"
	"transcode-coordinator/constant"
)

// LiveVideo is the slice of the video catalogue the ingest path needs.
// Rows are owned by the web application; this service only reads them and
// moves State.
type LiveVideo struct {
	ID             uint               `json:"-" gorm:"primaryKey;autoIncrement"`
	VideoUUID      uuid.UUID          `json:"videoUUID" gorm:"type:uuid;not null;uniqueIndex"`
	StreamKey      string             `json:"-" gorm:"type:varchar(128);not null;uniqueIndex"`
	OwnerID        string             `json:"ownerId" gorm:"type:varchar(64);not null;index"`
	SaveReplay     bool               `json:"saveReplay" gorm:"not null;default:false"`
	ReplayPrivacy  constant.Privacy   `json:"replayPrivacy" gorm:"type:varchar(16)"`
	PermanentLive  bool               `json:"permanentLive" gorm:"not null;default:false"`
	Blacklisted    bool               `json:"blacklisted" gorm:"not null;default:false"`
	OwnerBlocked   bool               `json:"ownerBlocked" gorm:"not null;default:false"`
	QuotaBytes     int64              `json:"quotaBytes" gorm:"not null"`
	ScheduledStart *time.Time         `json:"scheduledStart,omitempty"`
	ScheduledEnd   *time.Time         `json:"scheduledEnd,omitempty"`
	State          constant.LiveState `json:"state" gorm:"type:varchar(32);not null;default:'AWAITING_PUBLISH'"`
	CreatedAt      time.Time          `json:"createdAt" gorm:"not null"`
	UpdatedAt      time.Time          `json:"updatedAt" gorm:"not null"`
}

func (LiveVideo) TableName() string {
	return "live_videos"
}
