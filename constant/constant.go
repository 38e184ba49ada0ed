package constant

type JobState string

const (
	JobStatePending             JobState = "PENDING"
	JobStateProcessing          JobState = "PROCESSING"
	JobStateCompleting          JobState = "COMPLETING"
	JobStateCompleted           JobState = "COMPLETED"
	JobStateErrored             JobState = "ERRORED"
	JobStateCancelled           JobState = "CANCELLED"
	JobStateWaitingForParentJob JobState = "WAITING_FOR_PARENT_JOB"
	JobStateParentErrored       JobState = "PARENT_ERRORED"
	JobStateParentCancelled     JobState = "PARENT_CANCELLED"
)

func (s JobState) String() string {
	return string(s)
}

func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateErrored, JobStateCancelled, JobStateParentErrored, JobStateParentCancelled:
		return true
	}
	return false
}

// NonTerminalJobStates are the states a job can be cancelled from.
var NonTerminalJobStates = []JobState{
	JobStatePending,
	JobStateProcessing,
	JobStateCompleting,
	JobStateWaitingForParentJob,
}

// JobType selects the payload shape of a runner job. Audio merge and studio
// jobs are only brokered: no bundled runner processes them and no
// completion hook stores their outputs.
type JobType string

const (
	JobTypeVODWebVideoTranscoding JobType = "vod-web-video-transcoding"
	JobTypeVODHLSTranscoding      JobType = "vod-hls-transcoding"
	JobTypeVODAudioMerge          JobType = "vod-audio-merge-transcoding"
	JobTypeVideoStudio            JobType = "video-studio-transcoding"
	JobTypeLiveRTMPHLS            JobType = "live-rtmp-hls-transcoding"
)

var JobTypes = []JobType{
	JobTypeVODWebVideoTranscoding,
	JobTypeVODHLSTranscoding,
	JobTypeVODAudioMerge,
	JobTypeVideoStudio,
	JobTypeLiveRTMPHLS,
}

func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Retryable reports whether a failed lease of this type goes back to PENDING.
// A live job cannot be resumed by another runner once the publisher's frames are gone.
func (t JobType) Retryable() bool {
	return t != JobTypeLiveRTMPHLS
}

const (
	DefaultJobPriority = 100
	LivePriority       = 1000
)

type LiveState string

const (
	LiveStateAwaitingPublish LiveState = "AWAITING_PUBLISH"
	LiveStatePublishing      LiveState = "PUBLISHING"
	LiveStateEnded           LiveState = "ENDED"
	LiveStateErrored         LiveState = "ERRORED"
)

type LiveError string

const (
	LiveErrorBadSocketHealth  LiveError = "BAD_SOCKET_HEALTH"
	LiveErrorDurationExceeded LiveError = "DURATION_EXCEEDED"
	LiveErrorQuotaExceeded    LiveError = "QUOTA_EXCEEDED"
	LiveErrorFFmpeg           LiveError = "FFMPEG_ERROR"
	LiveErrorBlacklisted      LiveError = "BLACKLISTED"
	LiveErrorRunnerJobError   LiveError = "RUNNER_JOB_ERROR"
	LiveErrorRunnerJobCancel  LiveError = "RUNNER_JOB_CANCEL"
	LiveErrorInvalidInput     LiveError = "INVALID_INPUT_VIDEO_STREAM"
	LiveErrorUnknown          LiveError = "UNKNOWN_ERROR"
)

type Privacy string

const (
	PrivacyPublic   Privacy = "public"
	PrivacyUnlisted Privacy = "unlisted"
	PrivacyPrivate  Privacy = "private"
)

const (
	RegistrationTokenPrefix = "rrt-"
	RunnerTokenPrefix       = "rt-"
	JobTokenPrefix          = "rjt-"
)

const (
	HeaderJobToken = "X-Runner-Job-Token"
)

// CodeInvalidSegment closes a segment channel whose runner pushed a segment
// name the live session cannot publish.
const CodeInvalidSegment = "invalid_segment"

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
