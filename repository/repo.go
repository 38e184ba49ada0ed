package repository

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"
	"transcode-coordinator/entities"
)

var ErrNotFound = errors.New("record not found")

type txKey struct{}

// Transactor runs callback inside one database transaction. Repository calls
// made with the callback's ctx join that transaction.
type Transactor interface {
	Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error
}

type repo struct {
	db *gorm.DB
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

func (r *repo) Transaction(ctx context.Context, callback func(ctx context.Context) error, opts ...*sql.TxOptions) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return callback(context.WithValue(ctx, txKey{}, tx))
	}, opts...)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entities.RunnerRegistrationToken{},
		&entities.Runner{},
		&entities.RunnerJob{},
		&entities.LiveVideo{},
		&entities.VideoLiveSession{},
	)
}
