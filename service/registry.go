package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/entities"
	"transcode-coordinator/repository"
)

type RegisterRequest struct {
	RegistrationToken string
	Name              string
	Description       string
	IP                string
	Version           string
}

// Registry issues registration tokens, registers runners against them and
// authenticates runner tokens.
type Registry struct {
	repo repository.RunnerRepository
	now  func() time.Time
}

func NewRegistry(repo repository.RunnerRepository) *Registry {
	return &Registry{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) IssueRegistrationToken(ctx context.Context) (*entities.RunnerRegistrationToken, error) {
	secret, err := newSecret(constant.RegistrationTokenPrefix)
	if err != nil {
		return nil, err
	}

	token := &entities.RunnerRegistrationToken{Token: secret}
	if err := r.repo.CreateRegistrationToken(ctx, token); err != nil {
		return nil, fmt.Errorf("create registration token: %w", err)
	}

	zerolog.Ctx(ctx).Info().Uint("registration_token_id", token.ID).Msg("registration token issued")
	return token, nil
}

func (r *Registry) ListRegistrationTokens(ctx context.Context) ([]*entities.RunnerRegistrationToken, error) {
	return r.repo.ListRegistrationTokens(ctx)
}

// Revoke deletes the registration token and every runner registered with
// it. Leases held by those runners are left to the stale lease sweep.
func (r *Registry) Revoke(ctx context.Context, registrationTokenID uint) error {
	var runners int64
	err := r.repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		runners, err = r.repo.DeleteRunnersByRegistrationToken(ctx, registrationTokenID)
		if err != nil {
			return err
		}

		deleted, err := r.repo.DeleteRegistrationToken(ctx, registrationTokenID)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Uint("registration_token_id", registrationTokenID).
		Int64("runners_removed", runners).
		Msg("registration token revoked")
	return nil
}

// Register returns the runner and its long-lived token. Registering an
// existing name again under the same registration token rotates the token.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*entities.Runner, string, error) {
	registrationToken, err := r.repo.FindRegistrationToken(ctx, req.RegistrationToken)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, "", ErrInvalidToken
	}
	if err != nil {
		return nil, "", err
	}

	runnerToken, err := newSecret(constant.RunnerTokenPrefix)
	if err != nil {
		return nil, "", err
	}
	digest := digestToken(runnerToken)

	existing, err := r.repo.FindRunnerByName(ctx, req.Name)
	switch {
	case err == nil:
		if existing.RunnerRegistrationTokenID != registrationToken.ID {
			return nil, "", ErrDuplicateName
		}
		rotated, err := r.repo.RotateRunnerToken(ctx, existing.ID, registrationToken.ID, digest, req.Description, req.IP, req.Version)
		if err != nil {
			return nil, "", err
		}
		if !rotated {
			return nil, "", ErrConflict
		}

		zerolog.Ctx(ctx).Info().Str("runner", req.Name).Uint("runner_id", existing.ID).Msg("runner re-registered, token rotated")
		runner, err := r.repo.FindRunnerByTokenDigest(ctx, digest)
		if err != nil {
			return nil, "", err
		}
		return runner, runnerToken, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, "", err
	}

	runner := &entities.Runner{
		Name:                      req.Name,
		Description:               req.Description,
		TokenDigest:               digest,
		RunnerRegistrationTokenID: registrationToken.ID,
		IP:                        req.IP,
		Version:                   req.Version,
		LastContact:               r.now(),
	}
	if err := r.repo.CreateRunner(ctx, runner); err != nil {
		// Lost a race on the unique name, or the token was revoked meanwhile.
		if _, findErr := r.repo.FindRunnerByName(ctx, req.Name); findErr == nil {
			return nil, "", ErrDuplicateName
		}
		if _, findErr := r.repo.FindRegistrationToken(ctx, req.RegistrationToken); errors.Is(findErr, repository.ErrNotFound) {
			return nil, "", ErrInvalidToken
		}
		return nil, "", fmt.Errorf("create runner: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("runner", runner.Name).Uint("runner_id", runner.ID).Msg("runner registered")
	return runner, runnerToken, nil
}

func (r *Registry) Authenticate(ctx context.Context, runnerToken, ip string) (*entities.Runner, error) {
	if runnerToken == "" {
		return nil, ErrUnauthorized
	}

	runner, err := r.repo.FindRunnerByTokenDigest(ctx, digestToken(runnerToken))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	now := r.now()
	if err := r.repo.TouchRunner(ctx, runner.ID, ip, now); err != nil {
		return nil, err
	}
	runner.IP = ip
	runner.LastContact = now
	return runner, nil
}

func (r *Registry) Unregister(ctx context.Context, runner *entities.Runner) error {
	if err := r.repo.DeleteRunner(ctx, runner.ID); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("runner", runner.Name).Uint("runner_id", runner.ID).Msg("runner unregistered")
	return nil
}

func (r *Registry) ListRunners(ctx context.Context) ([]*entities.Runner, error) {
	return r.repo.ListRunners(ctx)
}
