package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	"transcode-coordinator/entities"
	"transcode-coordinator/repository"
)

const staleSweepBatch = 100

type EnqueueRequest struct {
	// UUID is generated when left zero.
	UUID           uuid.UUID
	Type           constant.JobType
	Payload        any
	PrivatePayload any
	DependsOn      *uuid.UUID
	OwnerID        string
	// Priority overrides the fairness heuristic when set.
	Priority *int
}

// JobEvent describes one committed state transition.
type JobEvent struct {
	JobUUID       uuid.UUID
	Type          constant.JobType
	OwnerID       string
	PreviousState constant.JobState
	State         constant.JobState
	Failures      int
	Progress      int
	Message       string
	At            time.Time
}

type JobListener interface {
	OnJobEvent(ctx context.Context, event JobEvent)
}

type ResultFile struct {
	Field string
	Name  string
	Path  string
}

// JobResult is what a runner hands back on success.
type JobResult struct {
	Payload json.RawMessage
	Files   []ResultFile
}

func (r JobResult) filesOf(field string) []ResultFile {
	var files []ResultFile
	for _, f := range r.Files {
		if f.Field == field {
			files = append(files, f)
		}
	}
	return files
}

// CompletionHook persists the output of a job between COMPLETING and
// COMPLETED. An error wrapping ErrNonRetryable fails the job for good.
type CompletionHook func(ctx context.Context, job *entities.RunnerJob, result JobResult) error

type Ledger struct {
	repo     repository.JobRepository
	cfg      config.Ledger
	priority *PriorityPolicy
	now      func() time.Time

	mu        sync.RWMutex
	listeners []JobListener
	hooks     map[constant.JobType]CompletionHook
}

func NewLedger(repo repository.JobRepository, cfg config.Ledger) *Ledger {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Ledger{
		repo:     repo,
		cfg:      cfg,
		priority: NewPriorityPolicy(repo, cfg.PriorityWindow, now),
		now:      now,
		hooks:    make(map[constant.JobType]CompletionHook),
	}
}

func (l *Ledger) AddListener(listener JobListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *Ledger) RegisterCompletionHook(jobType constant.JobType, hook CompletionHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks[jobType] = hook
}

func (l *Ledger) publish(ctx context.Context, job *entities.RunnerJob, previous, state constant.JobState, message string) {
	event := JobEvent{
		JobUUID:       job.UUID,
		Type:          job.Type,
		OwnerID:       job.OwnerID,
		PreviousState: previous,
		State:         state,
		Failures:      job.Failures,
		Progress:      job.Progress,
		Message:       message,
		At:            l.now(),
	}

	zerolog.Ctx(ctx).Debug().
		Str("job_uuid", job.UUID.String()).
		Str("job_type", string(job.Type)).
		Str("from", previous.String()).
		Str("to", state.String()).
		Msg("job transition")

	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	for _, listener := range listeners {
		listener.OnJobEvent(ctx, event)
	}
}

func (l *Ledger) Enqueue(ctx context.Context, req EnqueueRequest) (*entities.RunnerJob, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, req.Type)
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, errors.Join(ErrNonRetryable, fmt.Errorf("encode payload: %w", err))
	}
	privatePayload, err := encodePayload(req.PrivatePayload)
	if err != nil {
		return nil, errors.Join(ErrNonRetryable, fmt.Errorf("encode private payload: %w", err))
	}

	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	} else if priority, err = l.priority.Compute(ctx, req.Type, req.OwnerID); err != nil {
		return nil, err
	}

	id := req.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}
	job := &entities.RunnerJob{
		UUID:           id,
		Type:           req.Type,
		Payload:        payload,
		PrivatePayload: privatePayload,
		State:          constant.JobStatePending,
		Priority:       priority,
		OwnerID:        req.OwnerID,
		DependsOnUUID:  req.DependsOn,
	}

	if req.DependsOn != nil {
		parent, err := l.repo.FindByUUID(ctx, *req.DependsOn)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("parent job %s: %w", req.DependsOn, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		job.State = childStateFor(parent.State)
		if job.State.IsTerminal() {
			finished := l.now()
			job.FinishedAt = &finished
		}
	}

	if err := l.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("job_uuid", job.UUID.String()).
		Str("job_type", string(job.Type)).
		Str("state", job.State.String()).
		Int("priority", job.Priority).
		Msg("job enqueued")
	l.publish(ctx, job, "", job.State, "")

	if job.State == constant.JobStateWaitingForParentJob {
		if err := l.reconcileWaiting(ctx, job); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func childStateFor(parent constant.JobState) constant.JobState {
	switch parent {
	case constant.JobStateCompleted:
		return constant.JobStatePending
	case constant.JobStateErrored, constant.JobStateParentErrored:
		return constant.JobStateParentErrored
	case constant.JobStateCancelled, constant.JobStateParentCancelled:
		return constant.JobStateParentCancelled
	default:
		return constant.JobStateWaitingForParentJob
	}
}

// reconcileWaiting re-reads the parent after the child is visible, so a
// parent that settled between the first read and the insert cannot leave
// the child waiting forever.
func (l *Ledger) reconcileWaiting(ctx context.Context, child *entities.RunnerJob) error {
	parent, err := l.repo.FindByUUID(ctx, *child.DependsOnUUID)
	if err != nil {
		return err
	}

	target := childStateFor(parent.State)
	if target == constant.JobStateWaitingForParentJob {
		return nil
	}

	updates := map[string]any{"state": target.String()}
	if target.IsTerminal() {
		updates["finished_at"] = l.now()
	}
	won, err := l.repo.UpdateGuarded(ctx, child.UUID, repository.JobGuard{
		States: []constant.JobState{constant.JobStateWaitingForParentJob},
	}, updates)
	if err != nil || !won {
		return err
	}

	child.State = target
	l.publish(ctx, child, constant.JobStateWaitingForParentJob, target, "")
	if target.IsTerminal() {
		return l.cascade(ctx, child.UUID, target)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*entities.RunnerJob, error) {
	job, err := l.repo.FindByUUID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return job, err
}

func (l *Ledger) List(ctx context.Context, filter repository.JobFilter) ([]*entities.RunnerJob, int64, error) {
	return l.repo.List(ctx, filter)
}

func (l *Ledger) ListAvailable(ctx context.Context, types []constant.JobType, limit int) ([]*entities.RunnerJob, error) {
	return l.repo.ListAvailable(ctx, types, limit)
}

// Lease hands a PENDING job to runner. ErrConflict means another runner won.
func (l *Ledger) Lease(ctx context.Context, id uuid.UUID, runner *entities.Runner) (*entities.RunnerJob, error) {
	token, err := newSecret(constant.JobTokenPrefix)
	if err != nil {
		return nil, err
	}

	now := l.now()
	won, err := l.repo.UpdateGuarded(ctx, id, repository.JobGuard{
		States: []constant.JobState{constant.JobStatePending},
	}, map[string]any{
		"state":                constant.JobStateProcessing.String(),
		"processing_job_token": token,
		"runner_id":            runner.ID,
		"progress_at":          now,
		"started_at":           gorm.Expr("COALESCE(started_at, ?)", now),
	})
	if err != nil {
		return nil, err
	}
	if !won {
		if _, err := l.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}

	job, err := l.repo.FindByUUID(ctx, id)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_uuid", id.String()).
		Str("runner", runner.Name).
		Msg("job leased")
	l.publish(ctx, job, constant.JobStatePending, constant.JobStateProcessing, "")
	return job, nil
}

func processingGuard(runner *entities.Runner, token string) repository.JobGuard {
	return repository.JobGuard{
		States:   []constant.JobState{constant.JobStateProcessing},
		Token:    token,
		RunnerID: runner.ID,
	}
}

// Authorize returns the job when runner holds its processing lease under
// token.
func (l *Ledger) Authorize(ctx context.Context, id uuid.UUID, runner *entities.Runner, token string) (*entities.RunnerJob, error) {
	job, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != constant.JobStateProcessing {
		return nil, ErrJobNotProcessing
	}
	if job.ProcessingJobToken == nil || !tokensEqual(*job.ProcessingJobToken, token) {
		return nil, ErrInvalidJobToken
	}
	if job.RunnerID == nil || *job.RunnerID != runner.ID {
		return nil, ErrInvalidJobToken
	}
	return job, nil
}

// diagnose explains why a guarded update on a processing job matched no row.
func (l *Ledger) diagnose(ctx context.Context, id uuid.UUID, runner *entities.Runner, token string) error {
	if _, err := l.Authorize(ctx, id, runner, token); err != nil {
		return err
	}
	return ErrConflict
}

// ReportProgress records percent. A value below the stored progress is
// ignored, but the report still counts as activity on the lease.
func (l *Ledger) ReportProgress(ctx context.Context, id uuid.UUID, runner *entities.Runner, token string, percent int) error {
	percent = max(0, min(percent, 100))

	now := l.now()
	guard := processingGuard(runner, token)
	guard.ProgressAtMost = &percent
	won, err := l.repo.UpdateGuarded(ctx, id, guard, map[string]any{
		"progress":    percent,
		"progress_at": now,
	})
	if err != nil {
		return err
	}
	if won {
		return nil
	}

	won, err = l.repo.UpdateGuarded(ctx, id, processingGuard(runner, token), map[string]any{
		"progress_at": now,
	})
	if err != nil {
		return err
	}
	if won {
		zerolog.Ctx(ctx).Debug().
			Str("job_uuid", id.String()).
			Int("progress", percent).
			Msg("ignoring progress lower than recorded")
		return nil
	}
	return l.diagnose(ctx, id, runner, token)
}

// RecordActivity refreshes the lease without touching progress.
func (l *Ledger) RecordActivity(ctx context.Context, id uuid.UUID, runner *entities.Runner, token string) error {
	won, err := l.repo.UpdateGuarded(ctx, id, processingGuard(runner, token), map[string]any{
		"progress_at": l.now(),
	})
	if err != nil {
		return err
	}
	if !won {
		return l.diagnose(ctx, id, runner, token)
	}
	return nil
}

func (l *Ledger) Complete(ctx context.Context, id uuid.UUID, runner *entities.Runner, token string, result JobResult) error {
	won, err := l.repo.UpdateGuarded(ctx, id, processingGuard(runner, token), map[string]any{
		"state":       constant.JobStateCompleting.String(),
		"progress_at": l.now(),
	})
	if err != nil {
		return err
	}
	if !won {
		job, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		if (job.State == constant.JobStateCompleting || job.State == constant.JobStateCompleted) &&
			job.ProcessingJobToken != nil && tokensEqual(*job.ProcessingJobToken, token) {
			zerolog.Ctx(ctx).Info().Str("job_uuid", id.String()).Msg("duplicate success ignored")
			return nil
		}
		return l.diagnose(ctx, id, runner, token)
	}

	job, err := l.repo.FindByUUID(ctx, id)
	if err != nil {
		return err
	}
	l.publish(ctx, job, constant.JobStateProcessing, constant.JobStateCompleting, "")

	l.mu.RLock()
	hook := l.hooks[job.Type]
	l.mu.RUnlock()
	if hook != nil {
		if hookErr := hook(ctx, job, result); hookErr != nil {
			zerolog.Ctx(ctx).Error().Err(hookErr).Str("job_uuid", id.String()).Msg("completion hook failed")
			guard := repository.JobGuard{
				States: []constant.JobState{constant.JobStateCompleting},
				Token:  token,
			}
			if _, _, err := l.settleFailure(ctx, job, guard, hookErr.Error(), errors.Is(hookErr, ErrNonRetryable)); err != nil {
				return errors.Join(hookErr, err)
			}
			return fmt.Errorf("persist job output: %w", hookErr)
		}
	}

	now := l.now()
	won, err = l.repo.UpdateGuarded(ctx, id, repository.JobGuard{
		States: []constant.JobState{constant.JobStateCompleting},
		Token:  token,
	}, map[string]any{
		"state":       constant.JobStateCompleted.String(),
		"progress":    100,
		"finished_at": now,
	})
	if err != nil {
		return err
	}
	if !won {
		zerolog.Ctx(ctx).Warn().Str("job_uuid", id.String()).Msg("job left COMPLETING before it could complete")
		return nil
	}

	job.State = constant.JobStateCompleted
	job.Progress = 100
	zerolog.Ctx(ctx).Info().Str("job_uuid", id.String()).Str("runner", runner.Name).Msg("job completed")
	l.publish(ctx, job, constant.JobStateCompleting, constant.JobStateCompleted, "")
	return l.promoteDependents(ctx, id)
}

func (l *Ledger) Fail(ctx context.Context, id uuid.UUID, runner *entities.Runner, token, message string) error {
	job, err := l.Get(ctx, id)
	if err != nil {
		return err
	}

	won, _, err := l.settleFailure(ctx, job, processingGuard(runner, token), message, false)
	if err != nil {
		return err
	}
	if !won {
		return l.diagnose(ctx, id, runner, token)
	}
	return nil
}

// settleFailure counts one failed attempt for job. The job goes back to
// PENDING while it has retries left, otherwise it ends ERRORED and its
// waiting dependents follow.
func (l *Ledger) settleFailure(ctx context.Context, job *entities.RunnerJob, guard repository.JobGuard, message string, terminal bool) (bool, constant.JobState, error) {
	previous := job.State
	if len(guard.States) == 1 {
		previous = guard.States[0]
	}

	if !terminal && job.Type.Retryable() {
		below := l.cfg.MaxFailures - 1
		retryGuard := guard
		retryGuard.FailuresBelow = &below
		won, err := l.repo.UpdateGuarded(ctx, job.UUID, retryGuard, map[string]any{
			"state":                constant.JobStatePending.String(),
			"failures":             gorm.Expr("failures + 1"),
			"processing_job_token": nil,
			"runner_id":            nil,
			"progress":             0,
			"progress_at":          nil,
			"error":                message,
		})
		if err != nil {
			return false, "", err
		}
		if won {
			job.State = constant.JobStatePending
			job.Failures++
			zerolog.Ctx(ctx).Warn().
				Str("job_uuid", job.UUID.String()).
				Int("failures", job.Failures).
				Str("error", message).
				Msg("job failed, back to pending")
			l.publish(ctx, job, previous, constant.JobStatePending, message)
			return true, constant.JobStatePending, nil
		}
	}

	won, err := l.repo.UpdateGuarded(ctx, job.UUID, guard, map[string]any{
		"state":       constant.JobStateErrored.String(),
		"failures":    gorm.Expr("failures + 1"),
		"error":       message,
		"finished_at": l.now(),
	})
	if err != nil || !won {
		return false, "", err
	}

	job.State = constant.JobStateErrored
	job.Failures++
	zerolog.Ctx(ctx).Error().
		Str("job_uuid", job.UUID.String()).
		Int("failures", job.Failures).
		Str("error", message).
		Msg("job errored")
	l.publish(ctx, job, previous, constant.JobStateErrored, message)
	return true, constant.JobStateErrored, l.cascade(ctx, job.UUID, constant.JobStateParentErrored)
}

// Abort gives the job back without counting a failure.
func (l *Ledger) Abort(ctx context.Context, id uuid.UUID, runner *entities.Runner, token, reason string) error {
	won, err := l.repo.UpdateGuarded(ctx, id, processingGuard(runner, token), map[string]any{
		"state":                constant.JobStatePending.String(),
		"processing_job_token": nil,
		"runner_id":            nil,
		"progress":             0,
		"progress_at":          nil,
		"error":                reason,
	})
	if err != nil {
		return err
	}
	if !won {
		return l.diagnose(ctx, id, runner, token)
	}

	job, err := l.repo.FindByUUID(ctx, id)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("job_uuid", id.String()).Str("reason", reason).Msg("job aborted by runner")
	l.publish(ctx, job, constant.JobStateProcessing, constant.JobStatePending, reason)
	return nil
}

// Cancel moves any non-terminal job to CANCELLED. Cancelling a job that
// already reached a terminal state is a no-op.
func (l *Ledger) Cancel(ctx context.Context, id uuid.UUID) error {
	for {
		job, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.State.IsTerminal() {
			return nil
		}

		won, err := l.repo.UpdateGuarded(ctx, id, repository.JobGuard{
			States: []constant.JobState{job.State},
		}, map[string]any{
			"state":       constant.JobStateCancelled.String(),
			"finished_at": l.now(),
		})
		if err != nil {
			return err
		}
		if !won {
			continue
		}

		previous := job.State
		job.State = constant.JobStateCancelled
		zerolog.Ctx(ctx).Info().Str("job_uuid", id.String()).Str("from", previous.String()).Msg("job cancelled")
		l.publish(ctx, job, previous, constant.JobStateCancelled, "")
		return l.cascade(ctx, id, constant.JobStateParentCancelled)
	}
}

// CancelAllUnfinished cancels every non-terminal job of jobType.
func (l *Ledger) CancelAllUnfinished(ctx context.Context, jobType constant.JobType) (int, error) {
	jobs, err := l.repo.ListUnfinished(ctx, jobType)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		if err := l.Cancel(ctx, job.UUID); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

// AbandonStaleLeases reclaims PROCESSING jobs whose runner went quiet for
// longer than the lease timeout, and COMPLETING jobs whose completion never
// finished, e.g. after a crash. A report that lands first keeps the lease.
func (l *Ledger) AbandonStaleLeases(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.cfg.LeaseTimeout)
	jobs, err := l.repo.ListStale(ctx, cutoff, staleSweepBatch)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range jobs {
		guard := repository.JobGuard{
			States:           []constant.JobState{job.State},
			ProgressAtBefore: &cutoff,
		}
		if job.ProcessingJobToken != nil {
			guard.Token = *job.ProcessingJobToken
		}
		if job.RunnerID != nil {
			guard.RunnerID = *job.RunnerID
		}

		message := "lease expired: no activity from runner"
		if job.State == constant.JobStateCompleting {
			message = "completion interrupted: outputs were not persisted"
		}
		won, _, err := l.settleFailure(ctx, job, guard, message, false)
		if err != nil {
			return reclaimed, err
		}
		if won {
			reclaimed++
		}
	}

	if reclaimed > 0 {
		zerolog.Ctx(ctx).Warn().Int("reclaimed", reclaimed).Msg("stale leases abandoned")
	}
	return reclaimed, nil
}

// SweepStaleLeases runs AbandonStaleLeases every interval until ctx is done.
func (l *Ledger) SweepStaleLeases(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.AbandonStaleLeases(ctx); err != nil && ctx.Err() == nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("stale lease sweep failed")
			}
		}
	}
}

func (l *Ledger) promoteDependents(ctx context.Context, parent uuid.UUID) error {
	children, err := l.repo.ListDependents(ctx, parent, constant.JobStateWaitingForParentJob)
	if err != nil {
		return err
	}

	for _, child := range children {
		won, err := l.repo.UpdateGuarded(ctx, child.UUID, repository.JobGuard{
			States: []constant.JobState{constant.JobStateWaitingForParentJob},
		}, map[string]any{"state": constant.JobStatePending.String()})
		if err != nil {
			return err
		}
		if won {
			child.State = constant.JobStatePending
			l.publish(ctx, child, constant.JobStateWaitingForParentJob, constant.JobStatePending, "")
		}
	}
	return nil
}

// cascade moves every waiting descendant of parent to state.
func (l *Ledger) cascade(ctx context.Context, parent uuid.UUID, state constant.JobState) error {
	queue := []uuid.UUID{parent}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := l.repo.ListDependents(ctx, current, constant.JobStateWaitingForParentJob)
		if err != nil {
			return err
		}
		for _, child := range children {
			won, err := l.repo.UpdateGuarded(ctx, child.UUID, repository.JobGuard{
				States: []constant.JobState{constant.JobStateWaitingForParentJob},
			}, map[string]any{
				"state":       state.String(),
				"finished_at": l.now(),
			})
			if err != nil {
				return err
			}
			if !won {
				continue
			}
			child.State = state
			l.publish(ctx, child, constant.JobStateWaitingForParentJob, state, "")
			queue = append(queue, child.UUID)
		}
	}
	return nil
}

func encodePayload(v any) (datatypes.JSON, error) {
	switch p := v.(type) {
	case nil:
		return datatypes.JSON("{}"), nil
	case datatypes.JSON:
		return p, nil
	case json.RawMessage:
		return datatypes.JSON(p), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// mergedPayload is what a runner receives at lease time: the public payload
// with the private fields folded in.
func mergedPayload(job *entities.RunnerJob) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	for _, part := range []datatypes.JSON{job.Payload, job.PrivatePayload} {
		if len(part) == 0 {
			continue
		}
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(part, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
