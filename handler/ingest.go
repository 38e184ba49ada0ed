package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"transcode-coordinator/dto"
	"transcode-coordinator/entities"
	"transcode-coordinator/service"
)

type LivePublisher interface {
	HandlePublish(ctx context.Context, req service.PublishRequest) (*entities.VideoLiveSession, error)
	HandlePublishDone(ctx context.Context, streamKey, rtmpSessionID string) error
}

// IngestHandler receives the publish callbacks of the RTMP media server
// (nginx-rtmp on_publish / SRS http hooks). Any non-2xx answer makes the
// media server drop the publisher.
type IngestHandler struct {
	lives        LivePublisher
	app          string
	streamingDir string
}

func NewIngestHandler(lives LivePublisher, app, streamingDir string) *IngestHandler {
	return &IngestHandler{lives: lives, app: app, streamingDir: streamingDir}
}

type publishHook struct {
	Name     string `form:"name" json:"name" binding:"required"`
	App      string `form:"app" json:"app"`
	ClientID string `form:"clientid" json:"clientid"`
}

type publishResponse struct {
	SessionUUID string `json:"sessionUuid"`
}

func (h *IngestHandler) Routes(r gin.IRouter) {
	g := r.Group("/api/v1/ingest")
	g.POST("/on_publish", h.onPublish)
	g.POST("/on_publish_done", h.onPublishDone)

	// Playlists, segments and segments-sha256.json of running lives.
	r.Static("/streaming-playlists/hls", h.streamingDir)
}

func (h *IngestHandler) bind(c *gin.Context) (publishHook, bool) {
	var hook publishHook
	if err := c.ShouldBind(&hook); err != nil {
		abortBadRequest(c, err)
		return hook, false
	}
	if hook.App != h.app {
		c.AbortWithStatusJSON(http.StatusForbidden, dto.ErrorResponse{Error: "unknown rtmp app " + hook.App})
		return hook, false
	}
	return hook, true
}

func (h *IngestHandler) onPublish(c *gin.Context) {
	hook, ok := h.bind(c)
	if !ok {
		return
	}

	session, err := h.lives.HandlePublish(c.Request.Context(), service.PublishRequest{
		RTMPSessionID: hook.ClientID,
		StreamKey:     hook.Name,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, publishResponse{SessionUUID: session.UUID.String()})
}

func (h *IngestHandler) onPublishDone(c *gin.Context) {
	hook, ok := h.bind(c)
	if !ok {
		return
	}

	if err := h.lives.HandlePublishDone(c.Request.Context(), hook.Name, hook.ClientID); err != nil {
		zerolog.Ctx(c.Request.Context()).Warn().Err(err).Str("client_id", hook.ClientID).Msg("publish done not handled")
	}
	c.Status(http.StatusOK)
}
