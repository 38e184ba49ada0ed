package config

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// NewRabbitMQConn dials the broker with exponential backoff. The connection
// is closed when ctx is done.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQ) (*amqp.Connection, error) {
	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(cfg.URL())
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("host", cfg.Host).Msg("failed to connect to rabbitmq, retrying")
			return nil, err
		}
		return conn, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("host", cfg.Host).Msg("connected to rabbitmq")
	go func() {
		<-ctx.Done()
		if err := conn.Close(); err != nil && !conn.IsClosed() {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to close rabbitmq connection")
			return
		}
		zerolog.Ctx(ctx).Info().Msg("rabbitmq connection closed")
	}()

	return conn, nil
}
