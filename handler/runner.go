package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/entities"
	"transcode-coordinator/service"
)

const maxSegmentMessage = 64 << 20

// RunnerHandler serves the runner protocol under /api/v1/runners.
type RunnerHandler struct {
	registry *service.Registry
	protocol *service.Protocol
	ledger   *service.Ledger
	hub      *service.LiveJobHub
	storage  service.ObjectStorage
	bucket   string
	upgrader websocket.Upgrader
}

func NewRunnerHandler(registry *service.Registry, protocol *service.Protocol, ledger *service.Ledger, hub *service.LiveJobHub, storage service.ObjectStorage, bucket string) *RunnerHandler {
	return &RunnerHandler{
		registry: registry,
		protocol: protocol,
		ledger:   ledger,
		hub:      hub,
		storage:  storage,
		bucket:   bucket,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024 * 64,
			WriteBufferSize: 1024 * 4,
		},
	}
}

func (h *RunnerHandler) Routes(r gin.IRouter) {
	g := r.Group("/api/v1/runners")
	g.POST("/register", h.register)

	authed := g.Group("", RunnerAuth(h.registry))
	authed.POST("/unregister", h.unregister)
	authed.POST("/jobs/request", h.requestJob)
	authed.POST("/jobs/:uuid/update-progress", h.updateProgress)
	authed.POST("/jobs/:uuid/success", h.success)
	authed.POST("/jobs/:uuid/error", h.fail)
	authed.POST("/jobs/:uuid/abort", h.abort)
	authed.GET("/jobs/:uuid/files/input", h.inputFile)
	authed.GET("/jobs/:uuid/segments", h.segments)
}

func (h *RunnerHandler) register(c *gin.Context) {
	var req dto.RegisterRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	runner, token, err := h.registry.Register(c.Request.Context(), service.RegisterRequest{
		RegistrationToken: bearerToken(c),
		Name:              req.Name,
		Description:       req.Description,
		IP:                c.ClientIP(),
		Version:           req.Version,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.RegisterRunnerResponse{ID: runner.ID, RunnerToken: token})
}

func (h *RunnerHandler) unregister(c *gin.Context) {
	if err := h.registry.Unregister(c.Request.Context(), runnerFrom(c)); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RunnerHandler) requestJob(c *gin.Context) {
	var req dto.RequestJobRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
	}

	job, err := h.protocol.RequestJob(c.Request.Context(), runnerFrom(c), req.JobTypes)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.RequestJobResponse{Job: job})
}

func (h *RunnerHandler) updateProgress(c *gin.Context) {
	id, ok := uuidParam(c, "uuid")
	if !ok {
		return
	}
	var req dto.UpdateProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	if err := h.ledger.ReportProgress(c.Request.Context(), id, runnerFrom(c), jobToken(c), req.Progress); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RunnerHandler) success(c *gin.Context) {
	id, ok := uuidParam(c, "uuid")
	if !ok {
		return
	}

	var result service.JobResult
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		tmp, err := os.MkdirTemp("", "job-result-")
		if err != nil {
			abortWithError(c, err)
			return
		}
		defer os.RemoveAll(tmp)

		result, err = h.multipartResult(c, tmp)
		if err != nil {
			abortBadRequest(c, err)
			return
		}
	} else {
		var req dto.JobSuccessRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				abortBadRequest(c, err)
				return
			}
		}
		result.Payload = req.Payload
	}

	if err := h.ledger.Complete(c.Request.Context(), id, runnerFrom(c), jobToken(c), result); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// multipartResult saves the uploaded outputs under dir. The "payload" field
// carries the JSON result payload.
func (h *RunnerHandler) multipartResult(c *gin.Context, dir string) (service.JobResult, error) {
	var result service.JobResult
	form, err := c.MultipartForm()
	if err != nil {
		return result, err
	}

	if values := form.Value["payload"]; len(values) > 0 && values[0] != "" {
		if !json.Valid([]byte(values[0])) {
			return result, errors.New("payload is not valid JSON")
		}
		result.Payload = json.RawMessage(values[0])
	}

	for _, field := range []string{service.ResultFieldVideoFile, service.ResultFieldFiles} {
		for i, header := range form.File[field] {
			file, err := h.saveUpload(c, header, dir, field, i)
			if err != nil {
				return result, err
			}
			result.Files = append(result.Files, file)
		}
	}
	return result, nil
}

func (h *RunnerHandler) saveUpload(c *gin.Context, header *multipart.FileHeader, dir, field string, index int) (service.ResultFile, error) {
	name := filepath.Base(header.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return service.ResultFile{}, errors.New("invalid file name " + header.Filename)
	}

	fieldDir := filepath.Join(dir, field, strconv.Itoa(index))
	if err := os.MkdirAll(fieldDir, os.ModePerm); err != nil {
		return service.ResultFile{}, err
	}
	dst := filepath.Join(fieldDir, name)
	if err := c.SaveUploadedFile(header, dst); err != nil {
		return service.ResultFile{}, err
	}
	return service.ResultFile{Field: field, Name: name, Path: dst}, nil
}

func (h *RunnerHandler) fail(c *gin.Context) {
	id, ok := uuidParam(c, "uuid")
	if !ok {
		return
	}
	var req dto.JobErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, err)
		return
	}

	if err := h.ledger.Fail(c.Request.Context(), id, runnerFrom(c), jobToken(c), req.Message); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RunnerHandler) abort(c *gin.Context) {
	id, ok := uuidParam(c, "uuid")
	if !ok {
		return
	}
	var req dto.JobAbortRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortBadRequest(c, err)
			return
		}
	}

	if err := h.ledger.Abort(c.Request.Context(), id, runnerFrom(c), jobToken(c), req.Reason); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// inputFile streams the input of a VOD job to the runner holding it.
func (h *RunnerHandler) inputFile(c *gin.Context) {
	id, ok := uuidParam(c, "uuid")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	job, err := h.ledger.Authorize(ctx, id, runnerFrom(c), jobToken(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	key, err := service.InputObjectKey(job)
	if err != nil {
		abortWithError(c, errors.Join(service.ErrNotFound, err))
		return
	}

	tmp, err := os.MkdirTemp("", "job-input-")
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer os.RemoveAll(tmp)

	local := filepath.Join(tmp, filepath.Base(key))
	if err := h.storage.FGetObject(ctx, h.bucket, key, local, minio.GetObjectOptions{}); err != nil {
		abortWithError(c, err)
		return
	}
	c.FileAttachment(local, filepath.Base(key))
}

// segments receives live segments pushed by the runner over a websocket and
// acknowledges each with its sha256. The connection closes as soon as the
// job stops being held by this runner.
func (h *RunnerHandler) segments(c *gin.Context) {
	id, ok := uuidParam(c, "uuid")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	runner, token := runnerFrom(c), jobToken(c)

	job, err := h.ledger.Authorize(ctx, id, runner, token)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if job.Type != constant.JobTypeLiveRTMPHLS {
		abortBadRequest(c, errors.New("segments are only accepted for live jobs"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxSegmentMessage)

	for {
		var push dto.SegmentPush
		if err := conn.ReadJSON(&push); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zerolog.Ctx(ctx).Debug().Err(err).Str("job_uuid", id.String()).Msg("segment channel read failed")
			}
			return
		}

		if err := h.acceptSegment(c, id, runner, token, push); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("job_uuid", id.String()).Str("segment", push.Filename).Msg("segment refused")
			_, code := statusOf(err)
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
			return
		}

		sum := sha256.Sum256(push.Content)
		if err := conn.WriteJSON(dto.SegmentAck{Filename: push.Filename, Sha256: hex.EncodeToString(sum[:])}); err != nil {
			return
		}
	}
}

func (h *RunnerHandler) acceptSegment(c *gin.Context, id uuid.UUID, runner *entities.Runner, token string, push dto.SegmentPush) error {
	if push.Filename == "" || push.Filename != filepath.Base(push.Filename) {
		return fmt.Errorf("%w: %q", service.ErrInvalidSegment, push.Filename)
	}
	if err := h.ledger.RecordActivity(c.Request.Context(), id, runner, token); err != nil {
		return err
	}
	return h.hub.PushSegment(id, push.Filename, push.Content)
}
