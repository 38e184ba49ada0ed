package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/entities"
)

const runnerKey = "runner"

type RunnerAuthenticator interface {
	Authenticate(ctx context.Context, runnerToken, ip string) (*entities.Runner, error)
}

// WithLogger puts the server logger in every request context so handlers
// and services can log through zerolog.Ctx.
func WithLogger(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		l := logger.With().Str("method", c.Request.Method).Str("route", c.FullPath()).Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// RunnerAuth authenticates the runner token and stores the runner in the
// gin context.
func RunnerAuth(auth RunnerAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "missing runner token", Code: CodeUnauthorized})
			return
		}
		runner, err := auth.Authenticate(c.Request.Context(), token, c.ClientIP())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(runnerKey, runner)
		c.Next()
	}
}

func runnerFrom(c *gin.Context) *entities.Runner {
	return c.MustGet(runnerKey).(*entities.Runner)
}

// AdminAuth checks the static admin bearer token. An empty configured token
// disables the admin API.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := bearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "invalid admin token", Code: CodeUnauthorized})
			return
		}
		c.Next()
	}
}

func jobToken(c *gin.Context) string {
	return c.GetHeader(constant.HeaderJobToken)
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		abortBadRequest(c, errors.New("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}
