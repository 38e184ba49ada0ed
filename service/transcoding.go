package service

import (
	"context"

	"github.com/google/uuid"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	"transcode-coordinator/pkg/ffmpeg"
)

type WrapperEventKind int

const (
	EventSegmentReady WrapperEventKind = iota + 1
	EventError
	EventEnd
)

func (k WrapperEventKind) String() string {
	switch k {
	case EventSegmentReady:
		return "segment-ready"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	}
	return "unknown"
}

type WrapperEvent struct {
	Kind     WrapperEventKind
	Filename string
	Content  []byte
	Code     constant.LiveError
}

// TranscodingWrapper turns a live input into HLS segments. Events delivers
// segment-ready events followed by exactly one error or end event, after
// which the channel is closed. Abort never blocks.
type TranscodingWrapper interface {
	Start(ctx context.Context) error
	Abort()
	Events() <-chan WrapperEvent
}

type WrapperOptions struct {
	SessionUUID     uuid.UUID
	VideoUUID       uuid.UUID
	OwnerID         string
	InputURL        string
	WorkDir         string
	Ladder          []ffmpeg.Resolution
	SegmentDuration int
	SegmentListSize int
	MinEncodeSpeed  float64
}

type TranscodingWrapperFactory func(opts WrapperOptions) TranscodingWrapper

// NewTranscodingWrapperFactory picks the encoding strategy once, from
// configuration.
func NewTranscodingWrapperFactory(cfg config.Live, ledger *Ledger, hub *LiveJobHub) TranscodingWrapperFactory {
	if cfg.Transcoding.RemoteRunners {
		return func(opts WrapperOptions) TranscodingWrapper {
			return NewRemoteTranscodingWrapper(ledger, hub, opts)
		}
	}
	return func(opts WrapperOptions) TranscodingWrapper {
		opts.MinEncodeSpeed = cfg.MinEncodeSpeed
		return NewFFmpegTranscodingWrapper(cfg.FFmpegPath, opts)
	}
}
