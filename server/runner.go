package server

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"transcode-coordinator/config"
	"transcode-coordinator/dto"
	"transcode-coordinator/pkg/rabbitmq"
	"transcode-coordinator/runner"
)

// RunRunner starts the runner daemon until SIGINT or SIGTERM. Jobs still
// running at that point are aborted on their coordinator.
func RunRunner(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := runner.OpenServerStore(cfg.Runner.ConfigDir)
	if err != nil {
		return fmt.Errorf("open runner config: %w", err)
	}
	zerolog.Ctx(ctx).Info().
		Str("name", cfg.Runner.Name).
		Int("servers", len(store.List())).
		Int("concurrency", cfg.Runner.Concurrency).
		Msg("runner starting")

	if err := runner.NewDaemon(cfg.Runner, store).Run(ctx); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Msg("runner stopped")
	return nil
}

// PublishUploadFinished announces an uploaded original the way the web
// application does, which queues its VOD transcoding.
func PublishUploadFinished(cfg *config.Config, msg dto.UploadFinishedMessage) error {
	ctx, cancel := context.WithTimeout(setupLogger(cfg), time.Minute)
	defer cancel()

	if !cfg.Queue.Enabled() {
		return fmt.Errorf("rabbitmq is not configured")
	}
	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer conn.Close()

	publisher, err := rabbitmq.NewPublisher(conn, cfg.Queue.ExchangeName, cfg.Queue.Kind)
	if err != nil {
		return err
	}
	defer publisher.Close()

	if err := publisher.Publish(ctx, cfg.Queue.UploadRoutingKey, msg); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("video_uuid", msg.VideoUUID.String()).Str("object_path", msg.ObjectPath).Msg("upload finished message published")
	return nil
}
