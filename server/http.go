package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	jobHandler "transcode-coordinator/handler"
	"transcode-coordinator/pkg/ffmpeg"
	"transcode-coordinator/pkg/rabbitmq"
	"transcode-coordinator/repository"
	"transcode-coordinator/service"
)

const shutdownTimeout = 30 * time.Second

func RunHttp(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := config.NewDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	storage, err := config.NewStorage(cfg.MinIO)
	if err != nil {
		return fmt.Errorf("create object storage client: %w", err)
	}

	lives := repository.NewLiveRepository(db)
	ledger := service.NewLedger(repository.NewJobRepository(db), cfg.Ledger)
	hub := service.NewLiveJobHub()
	ledger.AddListener(hub)

	registry := service.NewRegistry(repository.NewRunnerRepository(db))
	protocol := service.NewProtocol(ledger, cfg.Protocol)

	vod := service.NewVODPipeline(ledger, storage, cfg.MinIO.Bucket, cfg.App.PublicURL(), cfg.Live.Transcoding.Resolutions)
	vod.RegisterHooks()
	replays := service.NewReplayPersister(storage, cfg.MinIO.Bucket, cfg.Live.FFmpegPath, lives, vod)

	manager := service.NewLiveManager(
		cfg.Live,
		lives,
		ledger,
		newQuotaStore(ctx, cfg.Redis),
		replays,
		ffmpeg.Prober{Binary: cfg.Live.FFprobePath, Timeout: cfg.Live.ProbeTimeout},
		service.NewTranscodingWrapperFactory(cfg.Live, ledger, hub),
	)
	// Job events of the recovery go through the publisher too.
	if cfg.Queue.Enabled() {
		if err := startMessaging(ctx, cfg.Queue, cfg.Server.Workers, ledger, vod); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("rabbitmq unavailable, upload messages and job events disabled")
		}
	}

	if err := manager.Recover(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to recover live sessions")
	}

	go ledger.SweepStaleLeases(ctx, cfg.Ledger.SweepInterval)

	r := gin.Default()
	r.Use(jobHandler.WithLogger(zerolog.Ctx(ctx)))
	addHealth(r)
	jobHandler.NewRunnerHandler(registry, protocol, ledger, hub, storage, cfg.MinIO.Bucket).Routes(r)
	jobHandler.NewAdminHandler(registry, ledger, manager, cfg.Admin.Token).Routes(r)
	jobHandler.NewIngestHandler(manager, cfg.Live.RTMPApp, cfg.Live.StreamingDir).Routes(r)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Str("addr", handler.Addr).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("http server shutdown")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("live sessions did not end in time")
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
	return nil
}

// startMessaging consumes upload-finished messages into VOD jobs and
// publishes ledger transitions.
func startMessaging(ctx context.Context, cfg *config.RabbitMQ, workers int, ledger *service.Ledger, vod *service.VODPipeline) error {
	conn, err := config.NewRabbitMQConn(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, err := rabbitmq.NewPublisher(conn, cfg.EventsExchange, "topic")
	if err != nil {
		return err
	}
	ledger.AddListener(service.NewJobEventPublisher(publisher))

	uploads := rabbitmq.NewConsumer(conn, rabbitmq.Binding{
		Exchange:   cfg.ExchangeName,
		Kind:       cfg.Kind,
		Queue:      cfg.UploadQueue,
		RoutingKey: cfg.UploadRoutingKey,
	}, workers, jobHandler.UploadFinishedHandler)
	go func() {
		err := uploads.Consume(ctx, jobHandler.ServiceDependencies{VOD: vod})
		if err != nil && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("upload consumer error")
		}
	}()
	return nil
}

// newQuotaStore shares live quota usage through redis when it is reachable,
// otherwise keeps it in memory for this process only.
func newQuotaStore(ctx context.Context, cfg config.Redis) service.QuotaStore {
	if cfg.Addr == "" {
		return service.NewMemoryQuotaStore()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := config.NewRedis(pingCtx, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable, live quota kept in memory")
		return service.NewMemoryQuotaStore()
	}
	return service.NewRedisQuotaStore(client)
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	return logger.WithContext(context.Background())
}
