package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/entities"
)

// Protocol serves job requests from runners on top of the ledger.
type Protocol struct {
	ledger     *Ledger
	candidates int
}

func NewProtocol(ledger *Ledger, cfg config.Protocol) *Protocol {
	candidates := cfg.RequestCandidates
	if candidates < 1 {
		candidates = 1
	}
	return &Protocol{ledger: ledger, candidates: candidates}
}

// RequestJob leases the best eligible job for runner. Candidates lost to a
// concurrent runner are skipped; a nil job means nothing could be leased.
func (p *Protocol) RequestJob(ctx context.Context, runner *entities.Runner, types []constant.JobType) (*dto.AcceptedJob, error) {
	supported := make([]constant.JobType, 0, len(types))
	for _, t := range types {
		if t.Valid() {
			supported = append(supported, t)
		}
	}
	if len(types) > 0 && len(supported) == 0 {
		return nil, nil
	}

	candidates, err := p.ledger.ListAvailable(ctx, supported, p.candidates)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		job, err := p.ledger.Lease(ctx, candidate.UUID, runner)
		if errors.Is(err, ErrConflict) {
			zerolog.Ctx(ctx).Debug().
				Str("job_uuid", candidate.UUID.String()).
				Str("runner", runner.Name).
				Msg("candidate leased by another runner")
			continue
		}
		if err != nil {
			return nil, err
		}

		payload, err := mergedPayload(job)
		if err != nil {
			return nil, err
		}
		return &dto.AcceptedJob{
			UUID:     job.UUID,
			Type:     job.Type,
			Payload:  payload,
			JobToken: *job.ProcessingJobToken,
			Priority: job.Priority,
			Failures: job.Failures,
		}, nil
	}
	return nil, nil
}
