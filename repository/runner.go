package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"transcode-coordinator/entities"
)

type RunnerRepository interface {
	Transactor
	CreateRegistrationToken(ctx context.Context, token *entities.RunnerRegistrationToken) error
	FindRegistrationToken(ctx context.Context, token string) (*entities.RunnerRegistrationToken, error)
	ListRegistrationTokens(ctx context.Context) ([]*entities.RunnerRegistrationToken, error)
	DeleteRegistrationToken(ctx context.Context, id uint) (bool, error)
	FindRunnerByName(ctx context.Context, name string) (*entities.Runner, error)
	FindRunnerByTokenDigest(ctx context.Context, digest string) (*entities.Runner, error)
	CreateRunner(ctx context.Context, runner *entities.Runner) error
	// RotateRunnerToken swaps the digest of a runner still bound to
	// registrationTokenID and reports whether the row matched.
	RotateRunnerToken(ctx context.Context, runnerID, registrationTokenID uint, digest, description, ip, version string) (bool, error)
	TouchRunner(ctx context.Context, runnerID uint, ip string, at time.Time) error
	DeleteRunner(ctx context.Context, runnerID uint) error
	DeleteRunnersByRegistrationToken(ctx context.Context, registrationTokenID uint) (int64, error)
	ListRunners(ctx context.Context) ([]*entities.Runner, error)
}

type runnerRepo struct {
	repo
}

func NewRunnerRepository(db *gorm.DB) RunnerRepository {
	return &runnerRepo{repo{db: db}}
}

func (r *runnerRepo) CreateRegistrationToken(ctx context.Context, token *entities.RunnerRegistrationToken) error {
	return r.conn(ctx).Create(token).Error
}

func (r *runnerRepo) FindRegistrationToken(ctx context.Context, token string) (*entities.RunnerRegistrationToken, error) {
	registrationToken := &entities.RunnerRegistrationToken{}
	err := r.conn(ctx).First(registrationToken, "token = ?", token).Error
	if err != nil {
		return nil, notFound(err)
	}
	return registrationToken, nil
}

func (r *runnerRepo) ListRegistrationTokens(ctx context.Context) ([]*entities.RunnerRegistrationToken, error) {
	var tokens []*entities.RunnerRegistrationToken
	err := r.conn(ctx).Order("id ASC").Find(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *runnerRepo) DeleteRegistrationToken(ctx context.Context, id uint) (bool, error) {
	result := r.conn(ctx).Delete(&entities.RunnerRegistrationToken{}, id)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *runnerRepo) FindRunnerByName(ctx context.Context, name string) (*entities.Runner, error) {
	runner := &entities.Runner{}
	err := r.conn(ctx).First(runner, "name = ?", name).Error
	if err != nil {
		return nil, notFound(err)
	}
	return runner, nil
}

func (r *runnerRepo) FindRunnerByTokenDigest(ctx context.Context, digest string) (*entities.Runner, error) {
	runner := &entities.Runner{}
	err := r.conn(ctx).First(runner, "token_digest = ?", digest).Error
	if err != nil {
		return nil, notFound(err)
	}
	return runner, nil
}

func (r *runnerRepo) CreateRunner(ctx context.Context, runner *entities.Runner) error {
	return r.conn(ctx).Create(runner).Error
}

func (r *runnerRepo) RotateRunnerToken(ctx context.Context, runnerID, registrationTokenID uint, digest, description, ip, version string) (bool, error) {
	result := r.conn(ctx).Model(&entities.Runner{}).
		Where("id = ? AND runner_registration_token_id = ?", runnerID, registrationTokenID).
		Updates(map[string]any{
			"token_digest": digest,
			"description":  description,
			"ip":           ip,
			"version":      version,
			"last_contact": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *runnerRepo) TouchRunner(ctx context.Context, runnerID uint, ip string, at time.Time) error {
	return r.conn(ctx).Model(&entities.Runner{}).
		Where("id = ?", runnerID).
		Updates(map[string]any{"ip": ip, "last_contact": at}).Error
}

func (r *runnerRepo) DeleteRunner(ctx context.Context, runnerID uint) error {
	return r.conn(ctx).Delete(&entities.Runner{}, runnerID).Error
}

func (r *runnerRepo) DeleteRunnersByRegistrationToken(ctx context.Context, registrationTokenID uint) (int64, error) {
	result := r.conn(ctx).Where("runner_registration_token_id = ?", registrationTokenID).Delete(&entities.Runner{})
	return result.RowsAffected, result.Error
}

func (r *runnerRepo) ListRunners(ctx context.Context) ([]*entities.Runner, error) {
	var runners []*entities.Runner
	err := r.conn(ctx).Order("id ASC").Find(&runners).Error
	if err != nil {
		return nil, err
	}
	return runners, nil
}
