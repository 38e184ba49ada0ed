package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testContext() context.Context {
	log := zerolog.New(io.Discard)
	return log.WithContext(context.Background())
}

type recordedCall struct {
	Path     string
	Bearer   string
	JobToken string
	Body     []byte
	Type     string
}

// fakeCoordinator answers the runner protocol with canned responses.
type fakeCoordinator struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	calls     []recordedCall
	jobs      []*dto.AcceptedJob
	statusFor map[string]int
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	f := &fakeCoordinator{t: t, statusFor: map[string]int{}}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCoordinator) URL() string {
	return f.server.URL
}

func (f *fakeCoordinator) queue(job *dto.AcceptedJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

// answer makes every request whose path ends with suffix fail with status.
func (f *fakeCoordinator) answer(suffix string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusFor[suffix] = status
}

func (f *fakeCoordinator) callsTo(suffix string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var calls []recordedCall
	for _, c := range f.calls {
		if strings.HasSuffix(c.Path, suffix) {
			calls = append(calls, c)
		}
	}
	return calls
}

func (f *fakeCoordinator) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{
		Path:     r.URL.Path,
		Bearer:   strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		JobToken: r.Header.Get(constant.HeaderJobToken),
		Body:     body,
		Type:     r.Header.Get("Content-Type"),
	})
	for suffix, status := range f.statusFor {
		if strings.HasSuffix(r.URL.Path, suffix) {
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(dto.ErrorResponse{Error: "refused", Code: "runner_job_not_in_processing_state"})
			return
		}
	}
	var next *dto.AcceptedJob
	if strings.HasSuffix(r.URL.Path, "/jobs/request") && len(f.jobs) > 0 {
		next, f.jobs = f.jobs[0], f.jobs[1:]
	}
	f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/register"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(dto.RegisterRunnerResponse{ID: 1, RunnerToken: "runner-token"})
	case strings.HasSuffix(r.URL.Path, "/jobs/request"):
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dto.RequestJobResponse{Job: next})
	case strings.HasSuffix(r.URL.Path, "/files/input"):
		_, _ = w.Write([]byte("original"))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func testJob(jobType constant.JobType) *dto.AcceptedJob {
	return &dto.AcceptedJob{UUID: uuid.New(), Type: jobType, Payload: json.RawMessage(`{}`), JobToken: "job-token"}
}
