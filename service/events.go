package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"transcode-coordinator/dto"
)

const publishTimeout = 5 * time.Second

type MessagePublisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// JobEventPublisher forwards committed job transitions to the message bus,
// where notifications and redundancy pick them up.
type JobEventPublisher struct {
	publisher MessagePublisher
}

func NewJobEventPublisher(publisher MessagePublisher) *JobEventPublisher {
	return &JobEventPublisher{publisher: publisher}
}

// JobEventRoutingKey is "runner.job.<state>", e.g. runner.job.errored.
func JobEventRoutingKey(event JobEvent) string {
	return "runner.job." + strings.ToLower(event.State.String())
}

func (p *JobEventPublisher) OnJobEvent(ctx context.Context, event JobEvent) {
	message := dto.JobEventMessage{
		JobUUID:       event.JobUUID,
		Type:          event.Type,
		State:         event.State,
		PreviousState: event.PreviousState,
		Failures:      event.Failures,
		Progress:      event.Progress,
		OwnerID:       event.OwnerID,
		Error:         event.Message,
		OccurredAt:    event.At,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.publisher.Publish(ctx, JobEventRoutingKey(event), message); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("job_uuid", event.JobUUID.String()).
			Str("state", event.State.String()).
			Msg("failed to publish job event")
	}
}
