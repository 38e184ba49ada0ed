package config

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func NewDB(ctx context.Context, cfg Database) (*gorm.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	logLevel := logger.Warn
	if cfg.LogQueries {
		logLevel = logger.Info
	}
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Msg("connected to postgres")
	return gormDB, nil
}

func NewStorage(cfg MinIO) (*minio.Client, error) {
	return minio.New(cfg.URL, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
	})
}

func NewRedis(ctx context.Context, cfg Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("addr", cfg.Addr).Msg("connected to redis")
	return client, nil
}
