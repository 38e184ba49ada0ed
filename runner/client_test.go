package runner

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
)

func TestClientRequestJob(t *testing.T) {
	coordinator := newFakeCoordinator(t)
	client := NewClient(coordinator.URL()+"/", "runner-token")
	ctx := testContext()

	job, err := client.RequestJob(ctx, SupportedJobTypes)
	if err != nil || job != nil {
		t.Fatalf("idle request = %v %v, want no job", job, err)
	}

	queued := testJob(constant.JobTypeVODHLSTranscoding)
	coordinator.queue(queued)
	job, err = client.RequestJob(ctx, SupportedJobTypes)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.UUID != queued.UUID || job.JobToken != "job-token" {
		t.Fatalf("job = %+v", job)
	}

	calls := coordinator.callsTo("/api/v1/runners/jobs/request")
	if len(calls) != 2 || calls[0].Bearer != "runner-token" {
		t.Fatalf("request calls = %+v", calls)
	}
	var req dto.RequestJobRequest
	if err := json.Unmarshal(calls[0].Body, &req); err != nil {
		t.Fatal(err)
	}
	if len(req.JobTypes) != len(SupportedJobTypes) {
		t.Fatalf("job types = %v", req.JobTypes)
	}
}

func TestClientJobCallsCarryJobToken(t *testing.T) {
	coordinator := newFakeCoordinator(t)
	client := NewClient(coordinator.URL(), "runner-token")
	ctx := testContext()
	job := testJob(constant.JobTypeVODWebVideoTranscoding)

	if err := client.UpdateProgress(ctx, job, 42); err != nil {
		t.Fatal(err)
	}
	calls := coordinator.callsTo("/update-progress")
	if len(calls) != 1 || calls[0].JobToken != "job-token" || !strings.Contains(calls[0].Path, job.UUID.String()) {
		t.Fatalf("progress calls = %+v", calls)
	}

	dst := filepath.Join(t.TempDir(), "input")
	if err := client.DownloadInput(ctx, job, dst); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(dst); string(data) != "original" {
		t.Fatalf("downloaded %q", data)
	}
}

func TestClientSuccessSendsFilesAsMultipart(t *testing.T) {
	coordinator := newFakeCoordinator(t)
	client := NewClient(coordinator.URL(), "runner-token")
	job := testJob(constant.JobTypeVODWebVideoTranscoding)

	output := filepath.Join(t.TempDir(), "web-video.mp4")
	if err := os.WriteFile(output, []byte("mp4-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := client.Success(testContext(), job, nil, []UploadFile{{Field: "videoFile", Path: output}}); err != nil {
		t.Fatal(err)
	}

	calls := coordinator.callsTo("/success")
	if len(calls) != 1 {
		t.Fatalf("success calls = %d", len(calls))
	}
	if !strings.HasPrefix(calls[0].Type, "multipart/form-data") {
		t.Fatalf("content type = %s", calls[0].Type)
	}
	body := string(calls[0].Body)
	if !strings.Contains(body, `name="videoFile"; filename="web-video.mp4"`) || !strings.Contains(body, "mp4-bytes") {
		t.Fatalf("multipart body misses the file:\n%s", body)
	}
}

func TestClientErrorsAreTyped(t *testing.T) {
	coordinator := newFakeCoordinator(t)
	coordinator.answer("/update-progress", http.StatusConflict)
	coordinator.answer("/register", http.StatusUnauthorized)
	client := NewClient(coordinator.URL(), "runner-token")
	ctx := testContext()

	err := client.UpdateProgress(ctx, testJob(constant.JobTypeLiveRTMPHLS), 1)
	if !IsJobGone(err) {
		t.Fatalf("err = %v, want job gone", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "runner_job_not_in_processing_state" || apiErr.Message != "refused" {
		t.Fatalf("api error = %+v", apiErr)
	}

	if _, err := client.Register(ctx, "bad", dto.RegisterRunnerRequest{Name: "r"}); IsJobGone(err) || err == nil {
		t.Fatalf("register err = %v", err)
	}
	if calls := coordinator.callsTo("/register"); len(calls) != 1 {
		t.Fatalf("a refused registration was retried %d times", len(calls))
	}
}

func TestSegmentChannelPushRefusals(t *testing.T) {
	tests := []struct {
		code    string
		status  int
		jobGone bool
	}{
		{constant.CodeInvalidSegment, http.StatusBadRequest, false},
		{"runner_job_not_in_processing_state", http.StatusConflict, true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			upgrader := websocket.Upgrader{}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				defer conn.Close()
				var push dto.SegmentPush
				if err := conn.ReadJSON(&push); err != nil {
					return
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, tt.code))
			}))
			defer server.Close()

			client := NewClient(server.URL, "runner-token")
			channel, err := client.OpenSegmentChannel(testContext(), testJob(constant.JobTypeLiveRTMPHLS))
			if err != nil {
				t.Fatal(err)
			}
			defer channel.Close()

			_, err = channel.Push("master.m3u8", []byte("#EXTM3U"))
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("push err = %v, want an API error", err)
			}
			if apiErr.Status != tt.status || apiErr.Code != tt.code {
				t.Fatalf("api error = %+v", apiErr)
			}
			if IsJobGone(err) != tt.jobGone {
				t.Fatalf("IsJobGone = %v, want %v", IsJobGone(err), tt.jobGone)
			}
		})
	}
}
