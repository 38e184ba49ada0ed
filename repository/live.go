package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"transcode-coordinator/constant"
	"transcode-coordinator/entities"
)

type LiveRepository interface {
	Transactor
	CreateLive(ctx context.Context, live *entities.LiveVideo) error
	FindLiveByStreamKey(ctx context.Context, streamKey string) (*entities.LiveVideo, error)
	FindLiveByVideoUUID(ctx context.Context, videoUUID uuid.UUID) (*entities.LiveVideo, error)
	// TransitionLive moves the live to state "to" if it is currently in one of
	// from and reports whether it did.
	TransitionLive(ctx context.Context, videoUUID uuid.UUID, from []constant.LiveState, to constant.LiveState) (bool, error)
	SetBlacklisted(ctx context.Context, videoUUID uuid.UUID) error
	CreateSession(ctx context.Context, session *entities.VideoLiveSession) error
	FindSession(ctx context.Context, sessionUUID uuid.UUID) (*entities.VideoLiveSession, error)
	// MarkSessionEnding flips endingProcessed exactly once. code is only
	// written when the session has no error yet.
	MarkSessionEnding(ctx context.Context, sessionUUID uuid.UUID, code *constant.LiveError, segmentCount int, endDate time.Time) (bool, error)
	SetSessionReplay(ctx context.Context, sessionUUID uuid.UUID, objectKey string) error
	ListOpenSessions(ctx context.Context) ([]*entities.VideoLiveSession, error)
}

type liveRepo struct {
	repo
}

func NewLiveRepository(db *gorm.DB) LiveRepository {
	return &liveRepo{repo{db: db}}
}

func (r *liveRepo) CreateLive(ctx context.Context, live *entities.LiveVideo) error {
	if live.VideoUUID == uuid.Nil {
		live.VideoUUID = uuid.New()
	}
	return r.conn(ctx).Create(live).Error
}

func (r *liveRepo) FindLiveByStreamKey(ctx context.Context, streamKey string) (*entities.LiveVideo, error) {
	live := &entities.LiveVideo{}
	err := r.conn(ctx).First(live, "stream_key = ?", streamKey).Error
	if err != nil {
		return nil, notFound(err)
	}
	return live, nil
}

func (r *liveRepo) FindLiveByVideoUUID(ctx context.Context, videoUUID uuid.UUID) (*entities.LiveVideo, error) {
	live := &entities.LiveVideo{}
	err := r.conn(ctx).First(live, "video_uuid = ?", videoUUID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return live, nil
}

func (r *liveRepo) TransitionLive(ctx context.Context, videoUUID uuid.UUID, from []constant.LiveState, to constant.LiveState) (bool, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}
	result := r.conn(ctx).Model(&entities.LiveVideo{}).
		Where("video_uuid = ? AND state IN ?", videoUUID, states).
		Update("state", string(to))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *liveRepo) SetBlacklisted(ctx context.Context, videoUUID uuid.UUID) error {
	return r.conn(ctx).Model(&entities.LiveVideo{}).
		Where("video_uuid = ?", videoUUID).
		Update("blacklisted", true).Error
}

func (r *liveRepo) CreateSession(ctx context.Context, session *entities.VideoLiveSession) error {
	if session.UUID == uuid.Nil {
		session.UUID = uuid.New()
	}
	return r.conn(ctx).Create(session).Error
}

func (r *liveRepo) FindSession(ctx context.Context, sessionUUID uuid.UUID) (*entities.VideoLiveSession, error) {
	session := &entities.VideoLiveSession{}
	err := r.conn(ctx).First(session, "uuid = ?", sessionUUID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return session, nil
}

func (r *liveRepo) MarkSessionEnding(ctx context.Context, sessionUUID uuid.UUID, code *constant.LiveError, segmentCount int, endDate time.Time) (bool, error) {
	updates := map[string]any{
		"ending_processed": true,
		"segment_count":    segmentCount,
		"end_date":         endDate,
	}
	if code != nil {
		updates["error"] = gorm.Expr("COALESCE(error, ?)", string(*code))
	}
	result := r.conn(ctx).Model(&entities.VideoLiveSession{}).
		Where("uuid = ? AND ending_processed = ?", sessionUUID, false).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *liveRepo) SetSessionReplay(ctx context.Context, sessionUUID uuid.UUID, objectKey string) error {
	return r.conn(ctx).Model(&entities.VideoLiveSession{}).
		Where("uuid = ?", sessionUUID).
		Update("replay_object_key", objectKey).Error
}

func (r *liveRepo) ListOpenSessions(ctx context.Context) ([]*entities.VideoLiveSession, error) {
	var sessions []*entities.VideoLiveSession
	err := r.conn(ctx).Where("ending_processed = ?", false).Order("id ASC").Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
