package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"transcode-coordinator/constant"
	"transcode-coordinator/entities"
)

// JobGuard is the predicate of a conditional update. Zero fields add no
// condition.
type JobGuard struct {
	States           []constant.JobState
	Token            string
	RunnerID         uint
	ProgressAtMost   *int
	FailuresBelow    *int
	ProgressAtBefore *time.Time
}

type JobFilter struct {
	States []constant.JobState
	Types  []constant.JobType
	Limit  int
	Offset int
}

type JobRepository interface {
	Transactor
	Create(ctx context.Context, job *entities.RunnerJob) error
	FindByUUID(ctx context.Context, id uuid.UUID) (*entities.RunnerJob, error)
	ListAvailable(ctx context.Context, types []constant.JobType, limit int) ([]*entities.RunnerJob, error)
	List(ctx context.Context, filter JobFilter) ([]*entities.RunnerJob, int64, error)
	ListDependents(ctx context.Context, parent uuid.UUID, state constant.JobState) ([]*entities.RunnerJob, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*entities.RunnerJob, error)
	ListUnfinished(ctx context.Context, jobType constant.JobType) ([]*entities.RunnerJob, error)
	CountCreatedByOwnerSince(ctx context.Context, ownerID string, since time.Time) (int64, error)
	// UpdateGuarded applies updates only if the row still matches guard and
	// reports whether it did.
	UpdateGuarded(ctx context.Context, id uuid.UUID, guard JobGuard, updates map[string]any) (bool, error)
}

type jobRepo struct {
	repo
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepo{repo{db: db}}
}

func (r *jobRepo) Create(ctx context.Context, job *entities.RunnerJob) error {
	if job.UUID == uuid.Nil {
		job.UUID = uuid.New()
	}
	return r.conn(ctx).Create(job).Error
}

func (r *jobRepo) FindByUUID(ctx context.Context, id uuid.UUID) (*entities.RunnerJob, error) {
	job := &entities.RunnerJob{}
	err := r.conn(ctx).First(job, "uuid = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return job, nil
}

func (r *jobRepo) ListAvailable(ctx context.Context, types []constant.JobType, limit int) ([]*entities.RunnerJob, error) {
	var jobs []*entities.RunnerJob
	query := r.conn(ctx).Where("state = ?", constant.JobStatePending.String())
	if len(types) > 0 {
		query = query.Where("type IN ?", typeStrings(types))
	}
	err := query.Order("priority DESC").Order("created_at ASC").Order("id ASC").Limit(limit).Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) List(ctx context.Context, filter JobFilter) ([]*entities.RunnerJob, int64, error) {
	query := r.conn(ctx).Model(&entities.RunnerJob{})
	if len(filter.States) > 0 {
		query = query.Where("state IN ?", stateStrings(filter.States))
	}
	if len(filter.Types) > 0 {
		query = query.Where("type IN ?", typeStrings(filter.Types))
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var jobs []*entities.RunnerJob
	err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *jobRepo) ListDependents(ctx context.Context, parent uuid.UUID, state constant.JobState) ([]*entities.RunnerJob, error) {
	var jobs []*entities.RunnerJob
	err := r.conn(ctx).Where("depends_on_uuid = ? AND state = ?", parent, state.String()).Order("id ASC").Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]*entities.RunnerJob, error) {
	var jobs []*entities.RunnerJob
	err := r.conn(ctx).
		Where("state IN ? AND progress_at < ?", stateStrings([]constant.JobState{constant.JobStateProcessing, constant.JobStateCompleting}), before).
		Order("progress_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) ListUnfinished(ctx context.Context, jobType constant.JobType) ([]*entities.RunnerJob, error) {
	var jobs []*entities.RunnerJob
	err := r.conn(ctx).
		Where("type = ? AND state IN ?", string(jobType), stateStrings(constant.NonTerminalJobStates)).
		Order("id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) CountCreatedByOwnerSince(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	var count int64
	err := r.conn(ctx).Model(&entities.RunnerJob{}).
		Where("owner_id = ? AND created_at >= ?", ownerID, since).
		Count(&count).Error
	return count, err
}

func (r *jobRepo) UpdateGuarded(ctx context.Context, id uuid.UUID, guard JobGuard, updates map[string]any) (bool, error) {
	query := r.conn(ctx).Model(&entities.RunnerJob{}).Where("uuid = ?", id)
	if len(guard.States) > 0 {
		query = query.Where("state IN ?", stateStrings(guard.States))
	}
	if guard.Token != "" {
		query = query.Where("processing_job_token = ?", guard.Token)
	}
	if guard.RunnerID != 0 {
		query = query.Where("runner_id = ?", guard.RunnerID)
	}
	if guard.ProgressAtMost != nil {
		query = query.Where("progress <= ?", *guard.ProgressAtMost)
	}
	if guard.FailuresBelow != nil {
		query = query.Where("failures < ?", *guard.FailuresBelow)
	}
	if guard.ProgressAtBefore != nil {
		query = query.Where("progress_at < ?", *guard.ProgressAtBefore)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func stateStrings(states []constant.JobState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, s.String())
	}
	return out
}

func typeStrings(types []constant.JobType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}
