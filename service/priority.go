package service

import (
	"context"
	"time"

	"transcode-coordinator/constant"
	"transcode-coordinator/repository"
)

// PriorityPolicy lowers the priority of owners that recently produced a lot
// of work, so one busy account cannot starve the others.
type PriorityPolicy struct {
	repo   repository.JobRepository
	window time.Duration
	now    func() time.Time
}

func NewPriorityPolicy(repo repository.JobRepository, window time.Duration, now func() time.Time) *PriorityPolicy {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &PriorityPolicy{repo: repo, window: window, now: now}
}

func (p *PriorityPolicy) Compute(ctx context.Context, jobType constant.JobType, ownerID string) (int, error) {
	if jobType == constant.JobTypeLiveRTMPHLS {
		return constant.LivePriority, nil
	}
	if ownerID == "" {
		return constant.DefaultJobPriority, nil
	}

	recent, err := p.repo.CountCreatedByOwnerSince(ctx, ownerID, p.now().Add(-p.window))
	if err != nil {
		return 0, err
	}
	return constant.DefaultJobPriority - int(min(recent, int64(constant.DefaultJobPriority))), nil
}
