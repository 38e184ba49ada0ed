package dto

import "github.com/google/uuid"

type LiveResolution struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	FPS     int    `json:"fps"`
	Bitrate string `json:"bitrate"`
}

type LiveInput struct {
	RTMPURL string `json:"rtmpUrl"`
}

type LiveOutput struct {
	ToTranscode     []LiveResolution `json:"toTranscode"`
	SegmentDuration int              `json:"segmentDuration"`
	SegmentListSize int              `json:"segmentListSize"`
}

type LiveRTMPHLSPayload struct {
	Input  LiveInput  `json:"input"`
	Output LiveOutput `json:"output"`
}

type LivePrivatePayload struct {
	SessionUUID uuid.UUID `json:"sessionUUID"`
	VideoUUID   uuid.UUID `json:"videoUUID"`
}

type VODInput struct {
	VideoFileURL string `json:"videoFileUrl"`
}

type VODOutput struct {
	Resolution int `json:"resolution"`
	FPS        int `json:"fps"`
}

type VODPayload struct {
	Input  VODInput  `json:"input"`
	Output VODOutput `json:"output"`
}

// VODPrivatePayload tells the completion hook where the input lives and
// where the produced files go.
type VODPrivatePayload struct {
	VideoUUID      uuid.UUID `json:"videoUUID"`
	InputObjectKey string    `json:"inputObjectKey"`
	OutputPrefix   string    `json:"outputPrefix"`
	// Resolutions is the whole HLS ladder of the video, used for the master
	// playlist.
	Resolutions []int `json:"resolutions,omitempty"`
	DeleteInput bool  `json:"deleteInput,omitempty"`
}
