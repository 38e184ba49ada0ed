package service

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/entities"
)

func TestRequestJobMergesPrivatePayload(t *testing.T) {
	ctx := testContext(t)
	ledger, db := newTestLedger(t, 5)
	protocol := NewProtocol(ledger, config.Protocol{RequestCandidates: 3})
	runner := registerTestRunner(t, ctx, db, "runner-a")

	videoUUID := uuid.New()
	mustEnqueue(t, ctx, ledger, EnqueueRequest{
		Type:           constant.JobTypeVODWebVideoTranscoding,
		Payload:        dto.VODPayload{Output: dto.VODOutput{Resolution: 720}},
		PrivatePayload: dto.VODPrivatePayload{VideoUUID: videoUUID, InputObjectKey: "uploads/in.mp4"},
	})

	if job, err := protocol.RequestJob(ctx, runner, []constant.JobType{constant.JobTypeLiveRTMPHLS}); err != nil || job != nil {
		t.Fatalf("unsupported type must give nothing, got %+v, %v", job, err)
	}

	accepted, err := protocol.RequestJob(ctx, runner, []constant.JobType{constant.JobTypeVODWebVideoTranscoding})
	if err != nil {
		t.Fatal(err)
	}
	if accepted == nil || accepted.JobToken == "" {
		t.Fatalf("accepted = %+v", accepted)
	}

	var payload struct {
		dto.VODPayload
		dto.VODPrivatePayload
	}
	if err := json.Unmarshal(accepted.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Output.Resolution != 720 || payload.VideoUUID != videoUUID || payload.InputObjectKey != "uploads/in.mp4" {
		t.Fatalf("merged payload = %s", accepted.Payload)
	}
}

func TestConcurrentRequestsGetDistinctJobs(t *testing.T) {
	ctx := testContext(t)
	ledger, db := newTestLedger(t, 5)
	protocol := NewProtocol(ledger, config.Protocol{RequestCandidates: 5})
	runners := []*entities.Runner{
		registerTestRunner(t, ctx, db, "runner-a"),
		registerTestRunner(t, ctx, db, "runner-b"),
		registerTestRunner(t, ctx, db, "runner-c"),
	}
	mustEnqueue(t, ctx, ledger, EnqueueRequest{})
	mustEnqueue(t, ctx, ledger, EnqueueRequest{})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		got   = map[uuid.UUID]int{}
		empty int
	)
	for _, runner := range runners {
		wg.Add(1)
		go func(runner *entities.Runner) {
			defer wg.Done()
			job, err := protocol.RequestJob(ctx, runner, nil)
			if err != nil {
				t.Errorf("request job: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if job == nil {
				empty++
				return
			}
			got[job.UUID]++
		}(runner)
	}
	wg.Wait()

	if len(got) != 2 || empty != 1 {
		t.Fatalf("leased %v, empty results %d", got, empty)
	}
	for id, n := range got {
		if n != 1 {
			t.Fatalf("job %s leased %d times", id, n)
		}
	}
}

func TestBrokeredJobTypesGoOnlyToRunnersDeclaringThem(t *testing.T) {
	ctx := testContext(t)
	ledger, db := newTestLedger(t, 5)
	protocol := NewProtocol(ledger, config.Protocol{RequestCandidates: 3})
	runner := registerTestRunner(t, ctx, db, "studio-runner")
	job := mustEnqueue(t, ctx, ledger, EnqueueRequest{Type: constant.JobTypeVideoStudio})

	ffmpegTypes := []constant.JobType{
		constant.JobTypeVODWebVideoTranscoding,
		constant.JobTypeVODHLSTranscoding,
		constant.JobTypeLiveRTMPHLS,
	}
	if got, err := protocol.RequestJob(ctx, runner, ffmpegTypes); err != nil || got != nil {
		t.Fatalf("studio job leased to a runner not declaring it: %+v, %v", got, err)
	}

	accepted, err := protocol.RequestJob(ctx, runner, []constant.JobType{constant.JobTypeVideoStudio})
	if err != nil {
		t.Fatal(err)
	}
	if accepted == nil || accepted.UUID != job.UUID {
		t.Fatalf("accepted = %+v", accepted)
	}
	if err := ledger.Complete(ctx, job.UUID, runner, accepted.JobToken, JobResult{}); err != nil {
		t.Fatal(err)
	}
	mustState(t, ctx, ledger, job, constant.JobStateCompleted)
}
