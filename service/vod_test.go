package service

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/entities"
	"transcode-coordinator/repository"
)

func writeResultFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestVODPipelineCreatesJobsAndPersistsOutputs(t *testing.T) {
	ctx := testContext(t)
	ledger, db := newTestLedger(t, 5)
	storage := newFakeStorage()
	pipeline := NewVODPipeline(ledger, storage, "videos", "https://example.com/", []int{360, 720})
	pipeline.RegisterHooks()
	runner := registerTestRunner(t, ctx, db, "vod-runner")

	videoUUID := uuid.New()
	storage.objects["uploads/"+videoUUID.String()+"/original.mkv"] = storedObject{content: []byte("original")}
	err := pipeline.HandleUploadFinished(ctx, dto.UploadFinishedMessage{
		VideoUUID:  videoUUID,
		OwnerID:    "owner-1",
		ObjectPath: "uploads/" + videoUUID.String() + "/original.mkv",
	})
	if err != nil {
		t.Fatal(err)
	}

	jobs, _, err := ledger.List(ctx, repository.JobFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want web video + 2 hls", len(jobs))
	}

	var webVideo *entities.RunnerJob
	var hls []*entities.RunnerJob
	for _, job := range jobs {
		switch job.Type {
		case constant.JobTypeVODWebVideoTranscoding:
			webVideo = job
		case constant.JobTypeVODHLSTranscoding:
			hls = append(hls, job)
		}
	}
	if webVideo == nil || len(hls) != 2 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	for _, job := range hls {
		if job.State != constant.JobStateWaitingForParentJob || job.DependsOnUUID == nil || *job.DependsOnUUID != webVideo.UUID {
			t.Fatalf("hls job not waiting for web video: %+v", job)
		}
	}
	if !strings.Contains(string(webVideo.Payload), InputFileURL("https://example.com", webVideo.UUID)) {
		t.Fatalf("web video payload misses its input url: %s", webVideo.Payload)
	}

	prefix := "uploads/" + videoUUID.String()
	token := mustLease(t, ctx, ledger, webVideo, runner)
	err = ledger.Complete(ctx, webVideo.UUID, runner, token, JobResult{
		Files: []ResultFile{{Field: ResultFieldVideoFile, Name: "out.mp4", Path: writeResultFile(t, "out.mp4", "web")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if obj := storage.object(t, path.Join(prefix, webVideoObjectName)); string(obj.content) != "web" || obj.contentType != "video/mp4" {
		t.Fatalf("web video object = %+v", obj)
	}
	if len(storage.removed) != 1 || storage.removed[0] != prefix+"/original.mkv" {
		t.Fatalf("removed = %v, want the original upload", storage.removed)
	}

	hlsJob := mustState(t, ctx, ledger, hls[0], constant.JobStatePending)
	key, err := InputObjectKey(hlsJob)
	if err != nil || key != path.Join(prefix, webVideoObjectName) {
		t.Fatalf("hls input = %q %v", key, err)
	}

	token = mustLease(t, ctx, ledger, hlsJob, runner)
	err = ledger.Complete(ctx, hlsJob.UUID, runner, token, JobResult{
		Files: []ResultFile{
			{Field: ResultFieldFiles, Name: "360p.m3u8", Path: writeResultFile(t, "360p.m3u8", "#EXTM3U")},
			{Field: ResultFieldFiles, Name: "360p_000.ts", Path: writeResultFile(t, "360p_000.ts", "ts")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	mustState(t, ctx, ledger, hlsJob, constant.JobStateCompleted)
	storage.object(t, path.Join(prefix, "hls", "360p_000.ts"))
	if obj := storage.object(t, path.Join(prefix, "hls", "360p.m3u8")); obj.contentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("playlist content type = %s", obj.contentType)
	}
	master := storage.object(t, path.Join(prefix, "hls", MasterPlaylistName))
	if !strings.Contains(string(master.content), "720p.m3u8") {
		t.Fatalf("master playlist misses the whole ladder:\n%s", master.content)
	}
}

func TestVODPipelineRejectsResultWithoutFiles(t *testing.T) {
	ctx := testContext(t)
	ledger, db := newTestLedger(t, 5)
	pipeline := NewVODPipeline(ledger, newFakeStorage(), "videos", "http://localhost", []int{360})
	pipeline.RegisterHooks()
	runner := registerTestRunner(t, ctx, db, "vod-runner")

	jobs, err := pipeline.CreateHLSJobs(ctx, VODRequest{
		VideoUUID:      uuid.New(),
		InputObjectKey: "in.mp4",
		OutputPrefix:   "out",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	token := mustLease(t, ctx, ledger, jobs[0], runner)

	err = ledger.Complete(ctx, jobs[0].UUID, runner, token, JobResult{})
	if !errors.Is(err, ErrUnsupportedResult) {
		t.Fatalf("err = %v, want ErrUnsupportedResult", err)
	}
	mustState(t, ctx, ledger, jobs[0], constant.JobStateErrored)
}

func TestReplayPersisterMergesUploadsAndQueuesHLS(t *testing.T) {
	ctx := testContext(t)
	ledger, db := newTestLedger(t, 5)
	lives := repository.NewLiveRepository(db)
	storage := newFakeStorage()
	pipeline := NewVODPipeline(ledger, storage, "videos", "http://localhost", []int{360, 720})

	// Stands in for ffmpeg: copies the concat list to the output file.
	binary := writeScript(t, `prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
  out="$a"
done
cp "$in" "$out"`)
	persister := NewReplayPersister(storage, "videos", binary, lives, pipeline)

	session := &entities.VideoLiveSession{LiveVideoUUID: uuid.New(), StartDate: time.Now().UTC(), SaveReplay: true}
	if err := lives.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	workDir := t.TempDir()
	var segments []string
	for _, name := range []string{"720p-000000.ts", "720p-000001.ts"} {
		segments = append(segments, writeResultFile(t, name, name))
	}

	err := persister.PersistReplay(ctx, ReplayRequest{
		SessionUUID: session.UUID,
		VideoUUID:   session.LiveVideoUUID,
		OwnerID:     "owner-1",
		Privacy:     constant.PrivacyUnlisted,
		Segments:    segments,
		WorkDir:     workDir,
	})
	if err != nil {
		t.Fatal(err)
	}

	key := ReplayObjectKey(session.LiveVideoUUID, session.UUID)
	list := string(storage.object(t, key).content)
	first, second := strings.Index(list, "720p-000000.ts"), strings.Index(list, "720p-000001.ts")
	if first < 0 || second < first {
		t.Fatalf("concat list out of order:\n%s", list)
	}

	stored, err := lives.FindSession(ctx, session.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ReplayObjectKey == nil || *stored.ReplayObjectKey != key {
		t.Fatalf("replay key = %v, want %s", stored.ReplayObjectKey, key)
	}

	jobs, _, err := ledger.List(ctx, repository.JobFilter{Types: []constant.JobType{constant.JobTypeVODHLSTranscoding}})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d hls jobs, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.State != constant.JobStatePending {
			t.Fatalf("replay hls job state = %s", job.State)
		}
		if input, _ := InputObjectKey(job); input != key {
			t.Fatalf("replay hls input = %s", input)
		}
	}
	if entries, _ := os.ReadDir(workDir); len(entries) != 0 {
		t.Fatalf("work files left: %v", entries)
	}

	if err := persister.PersistReplay(ctx, ReplayRequest{SessionUUID: session.UUID, WorkDir: workDir}); !errors.Is(err, ErrNonRetryable) {
		t.Fatalf("empty replay err = %v", err)
	}
}

func TestMemoryQuotaStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQuotaStore()
	a, b := uuid.New(), uuid.New()

	if total, _ := store.Add(ctx, "owner", a, 100); total != 100 {
		t.Fatalf("total = %d", total)
	}
	if total, _ := store.Add(ctx, "owner", b, 50); total != 150 {
		t.Fatalf("total across sessions = %d", total)
	}
	if total, _ := store.Add(ctx, "other", a, 7); total != 7 {
		t.Fatalf("other owner total = %d", total)
	}
	if err := store.Release(ctx, "owner", a); err != nil {
		t.Fatal(err)
	}
	if usage, _ := store.Usage(ctx, "owner"); usage != 50 {
		t.Fatalf("usage after release = %d", usage)
	}
}

func TestSumValues(t *testing.T) {
	total, err := sumValues([]string{"10", "32"})
	if err != nil || total != 42 {
		t.Fatalf("sum = %d %v", total, err)
	}
	if _, err := sumValues([]string{"x"}); err == nil {
		t.Fatal("invalid counter accepted")
	}
}
