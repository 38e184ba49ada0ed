package dto

import (
	"time"

	"github.com/google/uuid"
	"transcode-coordinator/constant"
)

// UploadFinishedMessage is published by the web application once the
// original file of a video sits in object storage.
type UploadFinishedMessage struct {
	VideoUUID   uuid.UUID `json:"videoUUID"`
	OwnerID     string    `json:"ownerId"`
	ObjectPath  string    `json:"objectPath"`
	FileName    string    `json:"fileName"`
	Resolutions []int     `json:"resolutions"`
}

type JobEventMessage struct {
	JobUUID       uuid.UUID         `json:"jobUUID"`
	Type          constant.JobType  `json:"type"`
	State         constant.JobState `json:"state"`
	PreviousState constant.JobState `json:"previousState"`
	Failures      int               `json:"failures"`
	Progress      int               `json:"progress"`
	OwnerID       string            `json:"ownerId"`
	Error         string            `json:"error,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}
