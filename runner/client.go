package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
)

// APIError is a non-2xx answer of the coordinator.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("coordinator answered %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("coordinator answered %d: %s", e.Status, e.Message)
}

// IsJobGone reports whether err means the job is no longer held by this
// runner: cancelled, reassigned or already settled.
func IsJobGone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusConflict || apiErr.Status == http.StatusForbidden || apiErr.Status == http.StatusNotFound
}

// UploadFile is one output sent with a job success.
type UploadFile struct {
	Field string
	Path  string
}

// Client talks the runner protocol to one coordinator.
type Client struct {
	baseURL     string
	runnerToken string
	http        *http.Client
	dialer      *websocket.Dialer
}

func NewClient(baseURL, runnerToken string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		runnerToken: runnerToken,
		http:        &http.Client{Timeout: 10 * time.Minute},
		dialer:      websocket.DefaultDialer,
	}
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/api/v1/runners" + path
}

func jobEndpoint(id uuid.UUID, action string) string {
	return "/jobs/" + id.String() + "/" + action
}

// Register exchanges a registration token for a runner token. Network
// failures and 5xx answers are retried with backoff; any other answer is
// final.
func (c *Client) Register(ctx context.Context, registrationToken string, req dto.RegisterRunnerRequest) (dto.RegisterRunnerResponse, error) {
	operation := func() (dto.RegisterRunnerResponse, error) {
		var resp dto.RegisterRunnerResponse
		err := c.do(ctx, http.MethodPost, c.endpoint("/register"), registrationToken, "", req, &resp)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return resp, backoff.Permanent(err)
		}
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("server", c.baseURL).Msg("registration failed, retrying")
		}
		return resp, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
}

func (c *Client) Unregister(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.endpoint("/unregister"), c.runnerToken, "", nil, nil)
}

// RequestJob returns nil when the coordinator has nothing for this runner.
func (c *Client) RequestJob(ctx context.Context, types []constant.JobType) (*dto.AcceptedJob, error) {
	var resp dto.RequestJobResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("/jobs/request"), c.runnerToken, "", dto.RequestJobRequest{JobTypes: types}, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *Client) UpdateProgress(ctx context.Context, job *dto.AcceptedJob, progress int) error {
	return c.do(ctx, http.MethodPost, c.endpoint(jobEndpoint(job.UUID, "update-progress")), c.runnerToken, job.JobToken, dto.UpdateProgressRequest{Progress: progress}, nil)
}

func (c *Client) Error(ctx context.Context, job *dto.AcceptedJob, message string) error {
	return c.do(ctx, http.MethodPost, c.endpoint(jobEndpoint(job.UUID, "error")), c.runnerToken, job.JobToken, dto.JobErrorRequest{Message: message}, nil)
}

func (c *Client) Abort(ctx context.Context, job *dto.AcceptedJob, reason string) error {
	return c.do(ctx, http.MethodPost, c.endpoint(jobEndpoint(job.UUID, "abort")), c.runnerToken, job.JobToken, dto.JobAbortRequest{Reason: reason}, nil)
}

// Success reports the job done. Files are sent as a multipart body next to
// the JSON payload.
func (c *Client) Success(ctx context.Context, job *dto.AcceptedJob, payload any, files []UploadFile) error {
	url := c.endpoint(jobEndpoint(job.UUID, "success"))
	if len(files) == 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return c.do(ctx, http.MethodPost, url, c.runnerToken, job.JobToken, dto.JobSuccessRequest{Payload: raw}, nil)
	}

	body, contentType, err := multipartBody(payload, files)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req, c.runnerToken, job.JobToken)
	return c.send(req, nil)
}

func multipartBody(payload any, files []UploadFile) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("payload", string(raw)); err != nil {
		return nil, "", err
	}

	for _, f := range files {
		part, err := w.CreateFormFile(f.Field, filepath.Base(f.Path))
		if err != nil {
			return nil, "", err
		}
		file, err := os.Open(f.Path)
		if err != nil {
			return nil, "", err
		}
		_, err = io.Copy(part, file)
		file.Close()
		if err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &body, w.FormDataContentType(), nil
}

// DownloadInput saves the input file of job to dst.
func (c *Client) DownloadInput(ctx context.Context, job *dto.AcceptedJob, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(jobEndpoint(job.UUID, "files/input")), nil)
	if err != nil {
		return err
	}
	c.authorize(req, c.runnerToken, job.JobToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}

	file, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (c *Client) authorize(req *http.Request, bearer, jobToken string) {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if jobToken != "" {
		req.Header.Set(constant.HeaderJobToken, jobToken)
	}
}

func (c *Client) do(ctx context.Context, method, url, bearer, jobToken string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, bearer, jobToken)
	return c.send(req, dest)
}

func (c *Client) send(req *http.Request, dest any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var body dto.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message, apiErr.Code = body.Error, body.Code
	}
	return apiErr
}

// SegmentChannel pushes live segments of one job to the coordinator.
type SegmentChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *Client) OpenSegmentChannel(ctx context.Context, job *dto.AcceptedJob) (*SegmentChannel, error) {
	url := "ws" + strings.TrimPrefix(c.endpoint(jobEndpoint(job.UUID, "segments")), "http")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.runnerToken)
	header.Set(constant.HeaderJobToken, job.JobToken)

	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, apiError(resp)
		}
		return nil, err
	}
	return &SegmentChannel{conn: conn}, nil
}

// Push sends one segment and waits for its acknowledgement. It returns the
// sha256 the coordinator computed.
func (s *SegmentChannel) Push(filename string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.WriteJSON(dto.SegmentPush{Filename: filename, Content: content}); err != nil {
		return "", err
	}
	var ack dto.SegmentAck
	if err := s.conn.ReadJSON(&ack); err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
			status := http.StatusConflict
			if closeErr.Text == constant.CodeInvalidSegment {
				status = http.StatusBadRequest
			}
			return "", &APIError{Status: status, Code: closeErr.Text, Message: "segment refused"}
		}
		return "", err
	}
	if ack.Filename != filename {
		return "", fmt.Errorf("ack for %s while pushing %s", ack.Filename, filename)
	}
	return ack.Sha256, nil
}

func (s *SegmentChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
