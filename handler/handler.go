package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"transcode-coordinator/dto"
	"transcode-coordinator/service"
)

type UploadProcessor interface {
	HandleUploadFinished(ctx context.Context, message dto.UploadFinishedMessage) error
}

type ServiceDependencies struct {
	VOD UploadProcessor
}

// UploadFinishedHandler turns an upload-finished message into VOD
// transcoding jobs. Malformed messages are not retried.
func UploadFinishedHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var message dto.UploadFinishedMessage
	if err := json.Unmarshal(msg.Body, &message); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal upload message")
		return backoff.Permanent(err)
	}

	zerolog.Ctx(ctx).Info().
		Str("video_uuid", message.VideoUUID.String()).
		Str("object_path", message.ObjectPath).
		Msg("received upload finished message")

	err := deps.VOD.HandleUploadFinished(ctx, message)
	if errors.Is(err, service.ErrNonRetryable) {
		return backoff.Permanent(err)
	}
	return err
}
