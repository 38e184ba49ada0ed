package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"transcode-coordinator/dto"
)

// Controllable is what the control socket drives.
type Controllable interface {
	RegisterServer(ctx context.Context, url, registrationToken, name, description string) (Server, error)
	UnregisterServer(ctx context.Context, url string) error
	Servers() []Server
	RunningJobs() []RunningJob
	Shutdown()
}

type RegisterServerRequest struct {
	URL               string `json:"url" binding:"required"`
	RegistrationToken string `json:"registrationToken" binding:"required"`
	RunnerName        string `json:"runnerName"`
	RunnerDescription string `json:"runnerDescription"`
}

type UnregisterServerRequest struct {
	URL string `json:"url" binding:"required"`
}

// ServerInfo is a registered server without its runner token.
type ServerInfo struct {
	URL        string `json:"url"`
	RunnerName string `json:"runnerName"`
}

// ControlServer exposes the daemon to the local CLI over a unix socket.
type ControlServer struct {
	target     Controllable
	socketPath string
}

func NewControlServer(target Controllable, socketPath string) *ControlServer {
	return &ControlServer{target: target, socketPath: socketPath}
}

func (s *ControlServer) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/register", s.register)
	r.POST("/unregister", s.unregister)
	r.GET("/servers", s.servers)
	r.GET("/jobs", s.jobs)
	r.POST("/shutdown", s.shutdown)
	return r
}

// Serve listens on the socket until ctx is done.
func (s *ControlServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return err
	}

	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	zerolog.Ctx(ctx).Info().Str("socket", s.socketPath).Msg("control socket listening")
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ControlServer) register(c *gin.Context) {
	var req RegisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	server, err := s.target.RegisterServer(c.Request.Context(), req.URL, req.RegistrationToken, req.RunnerName, req.RunnerDescription)
	if err != nil {
		c.JSON(statusFor(err), dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, ServerInfo{URL: server.URL, RunnerName: server.RunnerName})
}

func (s *ControlServer) unregister(c *gin.Context) {
	var req UnregisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	if err := s.target.UnregisterServer(c.Request.Context(), req.URL); err != nil {
		c.JSON(statusFor(err), dto.ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *ControlServer) servers(c *gin.Context) {
	servers := s.target.Servers()
	infos := make([]ServerInfo, 0, len(servers))
	for _, server := range servers {
		infos = append(infos, ServerInfo{URL: server.URL, RunnerName: server.RunnerName})
	}
	c.JSON(http.StatusOK, infos)
}

func (s *ControlServer) jobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.target.RunningJobs())
}

func (s *ControlServer) shutdown(c *gin.Context) {
	s.target.Shutdown()
	c.Status(http.StatusAccepted)
}

func statusFor(err error) int {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrUnknownServer):
		return http.StatusNotFound
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ControlClient is used by the CLI to talk to a running daemon.
type ControlClient struct {
	http *http.Client
}

func NewControlClient(socketPath string) *ControlClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &ControlClient{http: &http.Client{Transport: transport, Timeout: 2 * time.Minute}}
}

func (c *ControlClient) Register(ctx context.Context, req RegisterServerRequest) (ServerInfo, error) {
	var info ServerInfo
	err := c.call(ctx, http.MethodPost, "/register", req, &info)
	return info, err
}

func (c *ControlClient) Unregister(ctx context.Context, url string) error {
	return c.call(ctx, http.MethodPost, "/unregister", UnregisterServerRequest{URL: url}, nil)
}

func (c *ControlClient) Servers(ctx context.Context) ([]ServerInfo, error) {
	var infos []ServerInfo
	err := c.call(ctx, http.MethodGet, "/servers", nil, &infos)
	return infos, err
}

func (c *ControlClient) Jobs(ctx context.Context) ([]RunningJob, error) {
	var jobs []RunningJob
	err := c.call(ctx, http.MethodGet, "/jobs", nil, &jobs)
	return jobs, err
}

func (c *ControlClient) Shutdown(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/shutdown", nil, nil)
}

func (c *ControlClient) call(ctx context.Context, method, path string, payload, dest any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://runner"+path, &body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
