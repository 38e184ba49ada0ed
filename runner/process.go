package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/pkg/ffmpeg"
	"transcode-coordinator/service"
)

const heartbeatInterval = 30 * time.Second

var errUnsupportedJob = errors.New("unsupported job type")

type jobProcessor interface {
	Process(ctx context.Context, client *Client, job *dto.AcceptedJob, onProgress func(int)) error
}

// ffmpegProcessor runs jobs with the ffmpeg binary of this host.
type ffmpegProcessor struct {
	binary    string
	workDir   string
	heartbeat time.Duration
}

func (p *ffmpegProcessor) Process(ctx context.Context, client *Client, job *dto.AcceptedJob, onProgress func(int)) error {
	if p.workDir != "" {
		if err := os.MkdirAll(p.workDir, os.ModePerm); err != nil {
			return err
		}
	}
	dir, err := os.MkdirTemp(p.workDir, "job-"+job.UUID.String()+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	progress := newHeartbeat(client, job, onProgress, cancel)
	go progress.run(ctx, p.heartbeatInterval())

	switch job.Type {
	case constant.JobTypeVODWebVideoTranscoding:
		err = p.webVideo(ctx, client, job, dir, progress)
	case constant.JobTypeVODHLSTranscoding:
		err = p.hls(ctx, client, job, dir, progress)
	case constant.JobTypeLiveRTMPHLS:
		err = p.live(ctx, client, job, dir)
	default:
		err = fmt.Errorf("%w: %s", errUnsupportedJob, job.Type)
	}

	// A job taken back by the coordinator surfaces as the cancellation cause.
	if cause := context.Cause(ctx); err != nil && IsJobGone(cause) {
		return cause
	}
	return err
}

func (p *ffmpegProcessor) heartbeatInterval() time.Duration {
	if p.heartbeat > 0 {
		return p.heartbeat
	}
	return heartbeatInterval
}

func (p *ffmpegProcessor) webVideo(ctx context.Context, client *Client, job *dto.AcceptedJob, dir string, progress *heartbeat) error {
	var payload dto.VODPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	ladder := ffmpeg.LadderFor([]int{payload.Output.Resolution})
	if len(ladder) == 0 {
		return fmt.Errorf("invalid resolution %d", payload.Output.Resolution)
	}

	input := filepath.Join(dir, "input")
	if err := client.DownloadInput(ctx, job, input); err != nil {
		return fmt.Errorf("download input: %w", err)
	}
	progress.set(10)

	output := filepath.Join(dir, "web-video.mp4")
	if err := ffmpeg.Run(ctx, p.binary, ffmpeg.WebVideoArgs(input, output, ladder[0])); err != nil {
		return err
	}
	progress.set(90)

	return client.Success(ctx, job, nil, []UploadFile{{Field: service.ResultFieldVideoFile, Path: output}})
}

func (p *ffmpegProcessor) hls(ctx context.Context, client *Client, job *dto.AcceptedJob, dir string, progress *heartbeat) error {
	var payload dto.VODPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	ladder := ffmpeg.LadderFor([]int{payload.Output.Resolution})
	if len(ladder) == 0 {
		return fmt.Errorf("invalid resolution %d", payload.Output.Resolution)
	}

	input := filepath.Join(dir, "input")
	if err := client.DownloadInput(ctx, job, input); err != nil {
		return fmt.Errorf("download input: %w", err)
	}
	progress.set(10)

	outDir := filepath.Join(dir, "hls")
	if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
		return err
	}
	if err := ffmpeg.Run(ctx, p.binary, ffmpeg.VODHLSArgs(input, outDir, ladder)); err != nil {
		return err
	}
	progress.set(90)

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return err
	}
	files := make([]UploadFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, UploadFile{Field: service.ResultFieldFiles, Path: filepath.Join(outDir, entry.Name())})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return client.Success(ctx, job, nil, files)
}

// live encodes the RTMP input locally and pushes every completed segment
// to the coordinator, which publishes it.
func (p *ffmpegProcessor) live(ctx context.Context, client *Client, job *dto.AcceptedJob, dir string) error {
	var payload dto.LiveRTMPHLSPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	channel, err := client.OpenSegmentChannel(ctx, job)
	if err != nil {
		return fmt.Errorf("open segment channel: %w", err)
	}
	defer channel.Close()

	wrapper := service.NewFFmpegTranscodingWrapper(p.binary, service.WrapperOptions{
		InputURL:        payload.Input.RTMPURL,
		WorkDir:         filepath.Join(dir, "live"),
		Ladder:          liveLadder(payload.Output.ToTranscode),
		SegmentDuration: payload.Output.SegmentDuration,
		SegmentListSize: payload.Output.SegmentListSize,
	})
	if err := wrapper.Start(ctx); err != nil {
		return err
	}

	var pushErr error
	for event := range wrapper.Events() {
		switch event.Kind {
		case service.EventSegmentReady:
			if pushErr != nil {
				continue
			}
			if _, err := channel.Push(filepath.Base(event.Filename), event.Content); err != nil {
				pushErr = fmt.Errorf("push segment %s: %w", event.Filename, err)
				wrapper.Abort()
			}
		case service.EventError:
			if pushErr != nil {
				return pushErr
			}
			return fmt.Errorf("live encoding failed: %s", event.Code)
		case service.EventEnd:
			if pushErr != nil {
				return pushErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			zerolog.Ctx(ctx).Info().Msg("live input ended")
			return client.Success(ctx, job, nil, nil)
		}
	}
	return errors.New("live encoder stopped without terminal event")
}

func liveLadder(resolutions []dto.LiveResolution) []ffmpeg.Resolution {
	ladder := make([]ffmpeg.Resolution, 0, len(resolutions))
	for _, r := range resolutions {
		ladder = append(ladder, ffmpeg.Resolution{Width: r.Width, Height: r.Height, Bitrate: r.Bitrate, AudioRate: "128k"})
	}
	return ladder
}

// heartbeat reports progress periodically so the coordinator does not
// consider the lease stale. It cancels the job once the coordinator
// answers that the job is no longer ours.
type heartbeat struct {
	client     *Client
	job        *dto.AcceptedJob
	onProgress func(int)
	cancel     context.CancelCauseFunc
	updates    chan int
}

func newHeartbeat(client *Client, job *dto.AcceptedJob, onProgress func(int), cancel context.CancelCauseFunc) *heartbeat {
	return &heartbeat{client: client, job: job, onProgress: onProgress, cancel: cancel, updates: make(chan int, 1)}
}

func (h *heartbeat) set(progress int) {
	select {
	case <-h.updates:
	default:
	}
	h.updates <- progress
}

func (h *heartbeat) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	progress := 0
	for {
		select {
		case <-ctx.Done():
			return
		case progress = <-h.updates:
			if h.onProgress != nil {
				h.onProgress(progress)
			}
		case <-ticker.C:
		}

		if err := h.client.UpdateProgress(ctx, h.job, progress); err != nil {
			if IsJobGone(err) {
				zerolog.Ctx(ctx).Info().Err(err).Msg("job taken back by the coordinator")
				h.cancel(err)
				return
			}
			if ctx.Err() == nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to update progress")
			}
		}
	}
}
