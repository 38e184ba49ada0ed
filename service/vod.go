package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/entities"
	"transcode-coordinator/pkg/ffmpeg"
)

const (
	webVideoObjectName = "web-video.mp4"
	hlsObjectDir       = "hls"

	ResultFieldVideoFile = "videoFile"
	ResultFieldFiles     = "files"
)

// InputFileURL is where a runner downloads the input of a VOD job.
func InputFileURL(baseURL string, jobUUID uuid.UUID) string {
	return strings.TrimSuffix(baseURL, "/") + "/api/v1/runners/jobs/" + jobUUID.String() + "/files/input"
}

type VODRequest struct {
	VideoUUID      uuid.UUID
	OwnerID        string
	InputObjectKey string
	OutputPrefix   string
	Resolutions    []int
	DeleteInput    bool
}

// VODPipeline turns uploaded videos into runner jobs and persists what the
// runners send back.
type VODPipeline struct {
	ledger      *Ledger
	storage     ObjectStorage
	bucket      string
	baseURL     string
	resolutions []int
}

func NewVODPipeline(ledger *Ledger, storage ObjectStorage, bucket, baseURL string, resolutions []int) *VODPipeline {
	return &VODPipeline{
		ledger:      ledger,
		storage:     storage,
		bucket:      bucket,
		baseURL:     baseURL,
		resolutions: resolutions,
	}
}

func (p *VODPipeline) RegisterHooks() {
	p.ledger.RegisterCompletionHook(constant.JobTypeVODWebVideoTranscoding, p.persistWebVideo)
	p.ledger.RegisterCompletionHook(constant.JobTypeVODHLSTranscoding, p.persistHLS)
}

// CreateJobs enqueues a web video transcoding of the highest resolution and
// one HLS job per resolution, each waiting for the web video.
func (p *VODPipeline) CreateJobs(ctx context.Context, req VODRequest) ([]*entities.RunnerJob, error) {
	ladder := p.ladder(req.Resolutions)
	if len(ladder) == 0 {
		return nil, errors.Join(ErrNonRetryable, fmt.Errorf("no resolution to transcode video %s to", req.VideoUUID))
	}
	top := ladder[len(ladder)-1]

	webVideoUUID := uuid.New()
	webVideo, err := p.ledger.Enqueue(ctx, EnqueueRequest{
		UUID: webVideoUUID,
		Type: constant.JobTypeVODWebVideoTranscoding,
		Payload: dto.VODPayload{
			Input:  dto.VODInput{VideoFileURL: InputFileURL(p.baseURL, webVideoUUID)},
			Output: dto.VODOutput{Resolution: top.Height},
		},
		PrivatePayload: dto.VODPrivatePayload{
			VideoUUID:      req.VideoUUID,
			InputObjectKey: req.InputObjectKey,
			OutputPrefix:   req.OutputPrefix,
			DeleteInput:    req.DeleteInput,
		},
		OwnerID: req.OwnerID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue web video job: %w", err)
	}

	hlsReq := req
	hlsReq.InputObjectKey = path.Join(req.OutputPrefix, webVideoObjectName)
	hlsReq.DeleteInput = false
	hls, err := p.CreateHLSJobs(ctx, hlsReq, &webVideo.UUID)
	if err != nil {
		return nil, err
	}
	return append([]*entities.RunnerJob{webVideo}, hls...), nil
}

// CreateHLSJobs enqueues one HLS job per resolution of req.
func (p *VODPipeline) CreateHLSJobs(ctx context.Context, req VODRequest, dependsOn *uuid.UUID) ([]*entities.RunnerJob, error) {
	ladder := p.ladder(req.Resolutions)
	heights := make([]int, 0, len(ladder))
	for _, r := range ladder {
		heights = append(heights, r.Height)
	}

	jobs := make([]*entities.RunnerJob, 0, len(ladder))
	for _, r := range ladder {
		id := uuid.New()
		job, err := p.ledger.Enqueue(ctx, EnqueueRequest{
			UUID: id,
			Type: constant.JobTypeVODHLSTranscoding,
			Payload: dto.VODPayload{
				Input:  dto.VODInput{VideoFileURL: InputFileURL(p.baseURL, id)},
				Output: dto.VODOutput{Resolution: r.Height},
			},
			PrivatePayload: dto.VODPrivatePayload{
				VideoUUID:      req.VideoUUID,
				InputObjectKey: req.InputObjectKey,
				OutputPrefix:   req.OutputPrefix,
				Resolutions:    heights,
			},
			DependsOn: dependsOn,
			OwnerID:   req.OwnerID,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue %s hls job: %w", r.Name(), err)
		}
		jobs = append(jobs, job)
	}

	zerolog.Ctx(ctx).Info().
		Str("video_uuid", req.VideoUUID.String()).
		Int("jobs", len(jobs)).
		Msg("hls jobs created")
	return jobs, nil
}

func (p *VODPipeline) ladder(heights []int) []ffmpeg.Resolution {
	if len(heights) == 0 {
		heights = p.resolutions
	}
	return ffmpeg.LadderFor(heights)
}

// InputObjectKey returns where the input of job sits in the bucket.
func InputObjectKey(job *entities.RunnerJob) (string, error) {
	private, err := vodPrivatePayload(job)
	if err != nil {
		return "", err
	}
	if private.InputObjectKey == "" {
		return "", ErrNotFound
	}
	return private.InputObjectKey, nil
}

func vodPrivatePayload(job *entities.RunnerJob) (dto.VODPrivatePayload, error) {
	var private dto.VODPrivatePayload
	if len(job.PrivatePayload) == 0 {
		return private, errors.Join(ErrNonRetryable, fmt.Errorf("job %s has no private payload", job.UUID))
	}
	if err := json.Unmarshal(job.PrivatePayload, &private); err != nil {
		return private, errors.Join(ErrNonRetryable, err)
	}
	return private, nil
}

func (p *VODPipeline) persistWebVideo(ctx context.Context, job *entities.RunnerJob, result JobResult) error {
	private, err := vodPrivatePayload(job)
	if err != nil {
		return err
	}
	files := result.filesOf(ResultFieldVideoFile)
	if len(files) != 1 {
		return errors.Join(ErrNonRetryable, fmt.Errorf("%w: expected one %s, got %d", ErrUnsupportedResult, ResultFieldVideoFile, len(files)))
	}

	objectName := path.Join(private.OutputPrefix, webVideoObjectName)
	zerolog.Ctx(ctx).Info().Str("job_uuid", job.UUID.String()).Str("object", objectName).Msg("uploading web video")
	_, err = p.storage.FPutObject(ctx, p.bucket, objectName, files[0].Path, minio.PutObjectOptions{
		ContentType: "video/mp4",
	})
	if err != nil {
		return fmt.Errorf("upload web video: %w", err)
	}

	if private.DeleteInput {
		err = p.storage.RemoveObject(ctx, p.bucket, private.InputObjectKey, minio.RemoveObjectOptions{})
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("object", private.InputObjectKey).Msg("failed to delete original file")
		}
	}
	return nil
}

func (p *VODPipeline) persistHLS(ctx context.Context, job *entities.RunnerJob, result JobResult) error {
	private, err := vodPrivatePayload(job)
	if err != nil {
		return err
	}
	files := result.filesOf(ResultFieldFiles)
	if len(files) == 0 {
		return errors.Join(ErrNonRetryable, fmt.Errorf("%w: no hls file", ErrUnsupportedResult))
	}

	prefix := path.Join(private.OutputPrefix, hlsObjectDir)
	for _, file := range files {
		name := filepath.Base(file.Name)
		if name == "." || name == ".." || name == string(filepath.Separator) {
			return errors.Join(ErrNonRetryable, fmt.Errorf("%w: file name %q", ErrUnsupportedResult, file.Name))
		}
		_, err := p.storage.FPutObject(ctx, p.bucket, path.Join(prefix, name), file.Path, minio.PutObjectOptions{
			ContentType: contentTypeOf(name),
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}

	master := VODMasterPlaylist(ffmpeg.LadderFor(private.Resolutions))
	_, err = p.storage.PutObject(ctx, p.bucket, path.Join(prefix, MasterPlaylistName), bytes.NewReader(master), int64(len(master)), minio.PutObjectOptions{
		ContentType: contentTypeOf(MasterPlaylistName),
	})
	if err != nil {
		return fmt.Errorf("upload master playlist: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("job_uuid", job.UUID.String()).
		Str("prefix", prefix).
		Int("files", len(files)).
		Msg("hls output stored")
	return nil
}

// HandleUploadFinished creates the transcoding jobs of a freshly uploaded
// video.
func (p *VODPipeline) HandleUploadFinished(ctx context.Context, message dto.UploadFinishedMessage) error {
	if message.VideoUUID == uuid.Nil || message.ObjectPath == "" {
		return errors.Join(ErrNonRetryable, errors.New("upload message without video or object path"))
	}
	_, err := p.CreateJobs(ctx, VODRequest{
		VideoUUID:      message.VideoUUID,
		OwnerID:        message.OwnerID,
		InputObjectKey: message.ObjectPath,
		OutputPrefix:   path.Dir(message.ObjectPath),
		Resolutions:    message.Resolutions,
		DeleteInput:    true,
	})
	return err
}
