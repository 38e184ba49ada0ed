package service

import (
	"errors"
	"fmt"

	"transcode-coordinator/constant"
)

var ErrNonRetryable = errors.New("non-retryable error")

var (
	ErrInvalidToken      = errors.New("invalid registration token")
	ErrDuplicateName     = errors.New("runner name already registered")
	ErrUnauthorized      = errors.New("unauthorized runner")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("job state changed concurrently")
	ErrJobNotProcessing  = errors.New("runner job is not in processing state")
	ErrInvalidJobToken   = errors.New("invalid job token")
	ErrInvalidJobType    = errors.New("invalid job type")
	ErrUnknownStreamKey  = errors.New("unknown stream key")
	ErrUnsupportedResult = errors.New("unsupported job result")
	ErrInvalidSegment    = errors.New("invalid segment")
)

// LiveRejection is returned when a publish attempt is refused. Code is
// always one of the closed LiveError values.
type LiveRejection struct {
	Code   constant.LiveError
	Reason string
}

func (e *LiveRejection) Error() string {
	return fmt.Sprintf("live rejected (%s): %s", e.Code, e.Reason)
}

func rejectLive(code constant.LiveError, format string, args ...any) error {
	return &LiveRejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}
