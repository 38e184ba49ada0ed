package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/pkg/ffmpeg"
	"transcode-coordinator/service"
)

func jobPath(id uuid.UUID, action string) string {
	return "/api/v1/runners/jobs/" + id.String() + "/" + action
}

func multipartSuccess(t *testing.T, payload string, files map[string][2]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("payload", payload); err != nil {
		t.Fatal(err)
	}
	for field, file := range files {
		part, err := w.CreateFormFile(field, file[0])
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte(file[1])); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestRegisterRejectsBadTokenAndDuplicateName(t *testing.T) {
	f := newFixture(t)
	f.registerRunner(t, "runner-a")

	rec := f.do(http.MethodPost, "/api/v1/runners/register", dto.RegisterRunnerRequest{Name: "runner-b"}, withBearer("ptrrt-unknown"))
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = f.do(http.MethodPost, "/api/v1/admin/registration-tokens", nil, withBearer(adminToken))
	token := decode[struct {
		Token string `json:"registrationToken"`
	}](t, rec).Token
	rec = f.do(http.MethodPost, "/api/v1/runners/register", dto.RegisterRunnerRequest{Name: "runner-a"}, withBearer(token))
	expectStatus(t, rec, http.StatusConflict)
	if got := decode[dto.ErrorResponse](t, rec).Code; got != CodeDuplicateName {
		t.Fatalf("code = %q", got)
	}
}

func TestRunnerTokenRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/v1/runners/jobs/request", nil)
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = f.do(http.MethodPost, "/api/v1/runners/jobs/request", nil, withBearer("ptrt-unknown"))
	expectStatus(t, rec, http.StatusUnauthorized)

	token := f.registerRunner(t, "runner-a")
	expectStatus(t, f.do(http.MethodPost, "/api/v1/runners/unregister", nil, withBearer(token)), http.StatusNoContent)
	expectStatus(t, f.do(http.MethodPost, "/api/v1/runners/jobs/request", nil, withBearer(token)), http.StatusUnauthorized)
}

func TestRequestJobReturnsNullWhenIdle(t *testing.T) {
	f := newFixture(t)
	token := f.registerRunner(t, "runner-a")
	rec := f.do(http.MethodPost, "/api/v1/runners/jobs/request", nil, withBearer(token))
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"job":null`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestVODJobLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	runnerToken := f.registerRunner(t, "vod-runner")

	videoUUID := uuid.New()
	prefix := "uploads/" + videoUUID.String()
	f.storage.put(prefix+"/original.mkv", []byte("original"))
	err := f.vod.HandleUploadFinished(f.ctx, dto.UploadFinishedMessage{
		VideoUUID:  videoUUID,
		OwnerID:    "owner-1",
		ObjectPath: prefix + "/original.mkv",
	})
	if err != nil {
		t.Fatal(err)
	}

	job := f.requestJob(t, runnerToken)
	if job == nil || job.Type != constant.JobTypeVODWebVideoTranscoding || job.JobToken == "" {
		t.Fatalf("unexpected job %+v", job)
	}
	if !strings.Contains(string(job.Payload), service.InputFileURL("http://coordinator", job.UUID)) {
		t.Fatalf("payload misses input url: %s", job.Payload)
	}

	rec := f.do(http.MethodGet, jobPath(job.UUID, "files/input"), nil, withBearer(runnerToken), withJobToken("ptjt-wrong"))
	expectStatus(t, rec, http.StatusForbidden)
	rec = f.do(http.MethodGet, jobPath(job.UUID, "files/input"), nil, withBearer(runnerToken), withJobToken(job.JobToken))
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "original" {
		t.Fatalf("input = %q", rec.Body.String())
	}

	rec = f.do(http.MethodPost, jobPath(job.UUID, "update-progress"), dto.UpdateProgressRequest{Progress: 40}, withBearer(runnerToken), withJobToken(job.JobToken))
	expectStatus(t, rec, http.StatusNoContent)

	req := multipartSuccess(t, `{}`, map[string][2]string{service.ResultFieldVideoFile: {"out.mp4", "web"}})
	req.URL.Path = jobPath(job.UUID, "success")
	expectStatus(t, f.serve(req, withBearer(runnerToken), withJobToken(job.JobToken)), http.StatusNoContent)
	if content, ok := f.storage.get(prefix + "/web-video.mp4"); !ok || string(content) != "web" {
		t.Fatalf("web video not stored: %q %v", content, ok)
	}

	// A retried success with the same token is accepted again.
	rec = f.do(http.MethodPost, jobPath(job.UUID, "success"), dto.JobSuccessRequest{}, withBearer(runnerToken), withJobToken(job.JobToken))
	expectStatus(t, rec, http.StatusNoContent)

	rec = f.do(http.MethodPost, jobPath(job.UUID, "error"), dto.JobErrorRequest{Message: "late"}, withBearer(runnerToken), withJobToken(job.JobToken))
	expectStatus(t, rec, http.StatusConflict)
	if got := decode[dto.ErrorResponse](t, rec).Code; got != CodeNotProcessing {
		t.Fatalf("code = %q", got)
	}

	hls := f.requestJob(t, runnerToken)
	if hls == nil || hls.Type != constant.JobTypeVODHLSTranscoding {
		t.Fatalf("hls job not promoted: %+v", hls)
	}
	expectStatus(t, f.do(http.MethodPost, "/api/v1/admin/jobs/"+hls.UUID.String()+"/cancel", nil, withBearer(adminToken)), http.StatusNoContent)
	rec = f.do(http.MethodPost, jobPath(hls.UUID, "update-progress"), dto.UpdateProgressRequest{Progress: 10}, withBearer(runnerToken), withJobToken(hls.JobToken))
	expectStatus(t, rec, http.StatusConflict)
}

func TestAbortGivesJobBack(t *testing.T) {
	f := newFixture(t)
	a := f.registerRunner(t, "runner-a")
	b := f.registerRunner(t, "runner-b")

	if _, err := f.ledger.Enqueue(f.ctx, service.EnqueueRequest{Type: constant.JobTypeVODAudioMerge, OwnerID: "owner"}); err != nil {
		t.Fatal(err)
	}
	job := f.requestJob(t, a)
	if job == nil {
		t.Fatal("no job")
	}

	rec := f.do(http.MethodPost, jobPath(job.UUID, "abort"), dto.JobAbortRequest{Reason: "shutting down"}, withBearer(b), withJobToken(job.JobToken))
	expectStatus(t, rec, http.StatusForbidden)
	rec = f.do(http.MethodPost, jobPath(job.UUID, "abort"), dto.JobAbortRequest{Reason: "shutting down"}, withBearer(a), withJobToken(job.JobToken))
	expectStatus(t, rec, http.StatusNoContent)

	again := f.requestJob(t, b)
	if again == nil || again.UUID != job.UUID || again.JobToken == job.JobToken || again.Failures != 0 {
		t.Fatalf("aborted job not leased again cleanly: %+v", again)
	}
}

func TestSegmentChannelFeedsLiveWrapper(t *testing.T) {
	f := newFixture(t)
	runnerToken := f.registerRunner(t, "live-runner")
	server := httptest.NewServer(f.engine)
	defer server.Close()

	wrapper := service.NewRemoteTranscodingWrapper(f.ledger, f.hub, service.WrapperOptions{
		SessionUUID:     uuid.New(),
		VideoUUID:       uuid.New(),
		OwnerID:         "owner-1",
		InputURL:        "rtmp://localhost/live/key",
		Ladder:          ffmpeg.LadderFor([]int{360}),
		SegmentDuration: 2,
		SegmentListSize: 3,
	})
	if err := wrapper.Start(f.ctx); err != nil {
		t.Fatal(err)
	}
	job := f.requestJob(t, runnerToken, constant.JobTypeLiveRTMPHLS)
	if job == nil || job.UUID != wrapper.JobUUID() {
		t.Fatalf("live job not leased: %+v", job)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+runnerToken)
	header.Set(constant.HeaderJobToken, job.JobToken)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + jobPath(job.UUID, "segments")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(dto.SegmentPush{Filename: "360p-000000.ts", Content: []byte("segment")}); err != nil {
		t.Fatal(err)
	}
	var ack dto.SegmentAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("segment"))
	if ack.Filename != "360p-000000.ts" || ack.Sha256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("ack = %+v", ack)
	}

	select {
	case ev := <-wrapper.Events():
		if ev.Kind != service.EventSegmentReady || string(ev.Content) != "segment" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("segment not relayed to the wrapper")
	}

	rec := f.do(http.MethodPost, jobPath(job.UUID, "success"), nil, withBearer(runnerToken), withJobToken(job.JobToken))
	expectStatus(t, rec, http.StatusNoContent)
	select {
	case ev := <-wrapper.Events():
		if ev.Kind != service.EventEnd {
			t.Fatalf("terminal event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wrapper not ended")
	}
}

func TestSegmentChannelClosesOnInvalidSegmentName(t *testing.T) {
	for _, name := range []string{"master.m3u8", "segments-sha256.json", "1080p-000000.ts"} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			runnerToken := f.registerRunner(t, "live-runner")
			server := httptest.NewServer(f.engine)
			defer server.Close()

			wrapper := service.NewRemoteTranscodingWrapper(f.ledger, f.hub, service.WrapperOptions{
				SessionUUID: uuid.New(),
				VideoUUID:   uuid.New(),
				InputURL:    "rtmp://localhost/live/key",
				Ladder:      ffmpeg.LadderFor([]int{360}),
			})
			if err := wrapper.Start(f.ctx); err != nil {
				t.Fatal(err)
			}
			job := f.requestJob(t, runnerToken, constant.JobTypeLiveRTMPHLS)
			if job == nil {
				t.Fatal("live job not leased")
			}

			header := http.Header{}
			header.Set("Authorization", "Bearer "+runnerToken)
			header.Set(constant.HeaderJobToken, job.JobToken)
			url := "ws" + strings.TrimPrefix(server.URL, "http") + jobPath(job.UUID, "segments")
			conn, _, err := websocket.DefaultDialer.Dial(url, header)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			if err := conn.WriteJSON(dto.SegmentPush{Filename: name, Content: []byte("#EXTM3U")}); err != nil {
				t.Fatal(err)
			}
			var ack dto.SegmentAck
			err = conn.ReadJSON(&ack)
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				t.Fatalf("read err = %v, want a close frame", err)
			}
			if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != constant.CodeInvalidSegment {
				t.Fatalf("close = %d %q", closeErr.Code, closeErr.Text)
			}

			select {
			case ev := <-wrapper.Events():
				t.Fatalf("refused segment reached the wrapper: %+v", ev)
			default:
			}
		})
	}
}

func TestSegmentChannelRefusesForeignToken(t *testing.T) {
	f := newFixture(t)
	runnerToken := f.registerRunner(t, "live-runner")
	if _, err := f.ledger.Enqueue(f.ctx, service.EnqueueRequest{Type: constant.JobTypeVODAudioMerge}); err != nil {
		t.Fatal(err)
	}
	job := f.requestJob(t, runnerToken)

	rec := f.do(http.MethodGet, jobPath(job.UUID, "segments"), nil, withBearer(runnerToken), withJobToken("ptjt-other"))
	expectStatus(t, rec, http.StatusForbidden)
	rec = f.do(http.MethodGet, jobPath(job.UUID, "segments"), nil, withBearer(runnerToken), withJobToken(job.JobToken))
	expectStatus(t, rec, http.StatusBadRequest)
}
