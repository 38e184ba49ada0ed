package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"transcode-coordinator/constant"
	"transcode-coordinator/entities"
	"transcode-coordinator/repository"
	"transcode-coordinator/service"
)

type LiveBlacklister interface {
	Blacklist(ctx context.Context, videoUUID uuid.UUID) error
}

type AdminHandler struct {
	registry *service.Registry
	ledger   *service.Ledger
	lives    LiveBlacklister
	token    string
}

func NewAdminHandler(registry *service.Registry, ledger *service.Ledger, lives LiveBlacklister, token string) *AdminHandler {
	return &AdminHandler{registry: registry, ledger: ledger, lives: lives, token: token}
}

type jobListResponse struct {
	Total int64                 `json:"total"`
	Data  []*entities.RunnerJob `json:"data"`
}

func (h *AdminHandler) Routes(r gin.IRouter) {
	g := r.Group("/api/v1/admin", AdminAuth(h.token))
	g.POST("/registration-tokens", h.issueRegistrationToken)
	g.GET("/registration-tokens", h.listRegistrationTokens)
	g.DELETE("/registration-tokens/:id", h.revokeRegistrationToken)
	g.GET("/runners", h.listRunners)
	g.GET("/jobs", h.listJobs)
	g.POST("/jobs/:uuid/cancel", h.cancelJob)
	g.POST("/lives/:videoUUID/blacklist", h.blacklist)
}

func (h *AdminHandler) issueRegistrationToken(c *gin.Context) {
	token, err := h.registry.IssueRegistrationToken(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

func (h *AdminHandler) listRegistrationTokens(c *gin.Context) {
	tokens, err := h.registry.ListRegistrationTokens(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// revokeRegistrationToken also removes every runner registered with it.
func (h *AdminHandler) revokeRegistrationToken(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		abortBadRequest(c, err)
		return
	}
	if err := h.registry.Revoke(c.Request.Context(), uint(id)); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) listRunners(c *gin.Context) {
	runners, err := h.registry.ListRunners(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, runners)
}

func (h *AdminHandler) listJobs(c *gin.Context) {
	var filter repository.JobFilter
	for _, s := range c.QueryArray("state") {
		filter.States = append(filter.States, constant.JobState(s))
	}
	for _, t := range c.QueryArray("type") {
		jobType := constant.JobType(t)
		if !jobType.Valid() {
			abortWithError(c, service.ErrInvalidJobType)
			return
		}
		filter.Types = append(filter.Types, jobType)
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	jobs, total, err := h.ledger.List(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobListResponse{Total: total, Data: jobs})
}

func (h *AdminHandler) cancelJob(c *gin.Context) {
	id, ok := uuidParam(c, "uuid")
	if !ok {
		return
	}
	if err := h.ledger.Cancel(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) blacklist(c *gin.Context) {
	id, ok := uuidParam(c, "videoUUID")
	if !ok {
		return
	}
	if err := h.lives.Blacklist(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
