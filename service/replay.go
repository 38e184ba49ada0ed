package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/pkg/ffmpeg"
	"transcode-coordinator/repository"
)

type ReplayRequest struct {
	SessionUUID uuid.UUID
	VideoUUID   uuid.UUID
	OwnerID     string
	Privacy     constant.Privacy
	// Segments are the captured segment files, in production order.
	Segments []string
	WorkDir  string
}

type ReplayPersister interface {
	PersistReplay(ctx context.Context, req ReplayRequest) error
}

func ReplayObjectKey(videoUUID, sessionUUID uuid.UUID) string {
	return path.Join("replays", videoUUID.String(), sessionUUID.String()+".mp4")
}

type replayPersister struct {
	storage    ObjectStorage
	bucket     string
	ffmpegPath string
	lives      repository.LiveRepository
	vod        *VODPipeline
}

func NewReplayPersister(storage ObjectStorage, bucket, ffmpegPath string, lives repository.LiveRepository, vod *VODPipeline) ReplayPersister {
	return &replayPersister{
		storage:    storage,
		bucket:     bucket,
		ffmpegPath: ffmpegPath,
		lives:      lives,
		vod:        vod,
	}
}

// PersistReplay merges the captured segments into one mp4, stores it and
// queues its HLS transcoding.
func (p *replayPersister) PersistReplay(ctx context.Context, req ReplayRequest) error {
	logger := zerolog.Ctx(ctx).With().
		Str("session_uuid", req.SessionUUID.String()).
		Str("video_uuid", req.VideoUUID.String()).
		Logger()

	if len(req.Segments) == 0 {
		return errors.Join(ErrNonRetryable, errors.New("no segment captured for replay"))
	}

	if err := os.MkdirAll(req.WorkDir, os.ModePerm); err != nil {
		return errors.Join(ErrNonRetryable, err)
	}
	concatFilePath := filepath.Join(req.WorkDir, "concat_list.txt")
	defer os.Remove(concatFilePath)
	outputFilePath := filepath.Join(req.WorkDir, "replay.mp4")
	defer os.Remove(outputFilePath)

	if err := ffmpeg.WriteConcatList(concatFilePath, req.Segments); err != nil {
		return fmt.Errorf("failed to create concat file: %w", err)
	}

	logger.Info().Int("segment_count", len(req.Segments)).Msg("merging replay segments")
	if err := ffmpeg.Run(ctx, p.ffmpegPath, ffmpeg.ConcatArgs(concatFilePath, outputFilePath)); err != nil {
		return errors.Join(ErrNonRetryable, err)
	}

	objectKey := ReplayObjectKey(req.VideoUUID, req.SessionUUID)
	logger.Info().Str("output_key", objectKey).Msg("uploading replay")
	_, err := p.storage.FPutObject(ctx, p.bucket, objectKey, outputFilePath, minio.PutObjectOptions{
		ContentType:  "video/mp4",
		UserMetadata: map[string]string{"privacy": string(req.Privacy)},
	})
	if err != nil {
		return fmt.Errorf("upload replay: %w", err)
	}

	if err := p.lives.SetSessionReplay(ctx, req.SessionUUID, objectKey); err != nil {
		return fmt.Errorf("record replay: %w", err)
	}

	_, err = p.vod.CreateHLSJobs(ctx, VODRequest{
		VideoUUID:      req.VideoUUID,
		OwnerID:        req.OwnerID,
		InputObjectKey: objectKey,
		OutputPrefix:   path.Join("replays", req.VideoUUID.String(), req.SessionUUID.String()),
	}, nil)
	if err != nil {
		return err
	}

	logger.Info().Str("output_key", objectKey).Msg("replay persisted")
	return nil
}
