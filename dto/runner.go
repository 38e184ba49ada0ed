package dto

import (
	"encoding/json"

	"github.com/google/uuid"
	"transcode-coordinator/constant"
)

type RegisterRunnerRequest struct {
	Name        string `json:"name" binding:"required,max=120"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

type RegisterRunnerResponse struct {
	ID          uint   `json:"id"`
	RunnerToken string `json:"runnerToken"`
}

type RequestJobRequest struct {
	JobTypes []constant.JobType `json:"jobTypes"`
}

type AcceptedJob struct {
	UUID     uuid.UUID        `json:"uuid"`
	Type     constant.JobType `json:"type"`
	Payload  json.RawMessage  `json:"payload"`
	JobToken string           `json:"jobToken"`
	Priority int              `json:"priority"`
	Failures int              `json:"failures"`
}

type RequestJobResponse struct {
	Job *AcceptedJob `json:"job"`
}

type UpdateProgressRequest struct {
	Progress int `json:"progress" binding:"min=0,max=100"`
}

type JobSuccessRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type JobErrorRequest struct {
	Message string `json:"message"`
}

type JobAbortRequest struct {
	Reason string `json:"reason"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SegmentPush is one websocket message sent by a runner processing a live
// job. Content is base64 in the JSON encoding.
type SegmentPush struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
}

type SegmentAck struct {
	Filename string `json:"filename"`
	Sha256   string `json:"sha256"`
}
