package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/service"
)

const (
	CodeNotProcessing   = "runner_job_not_in_processing_state"
	CodeInvalidJobToken = "invalid_job_token"
	CodeUnauthorized    = "unauthorized"
	CodeDuplicateName   = "runner_name_taken"
)

// statusOf maps a service error to its HTTP status and machine readable code.
func statusOf(err error) (int, string) {
	var rejection *service.LiveRejection
	switch {
	case errors.As(err, &rejection):
		return http.StatusForbidden, string(rejection.Code)
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, service.ErrInvalidJobToken):
		return http.StatusForbidden, CodeInvalidJobToken
	case errors.Is(err, service.ErrJobNotProcessing), errors.Is(err, service.ErrConflict):
		return http.StatusConflict, CodeNotProcessing
	case errors.Is(err, service.ErrDuplicateName):
		return http.StatusConflict, CodeDuplicateName
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrUnknownStreamKey):
		return http.StatusNotFound, ""
	case errors.Is(err, service.ErrInvalidSegment):
		return http.StatusBadRequest, constant.CodeInvalidSegment
	case errors.Is(err, service.ErrInvalidJobType), errors.Is(err, service.ErrUnsupportedResult):
		return http.StatusBadRequest, ""
	}
	return http.StatusInternalServerError, ""
}

func abortWithError(c *gin.Context, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: err.Error(), Code: code})
}

func abortBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
}
