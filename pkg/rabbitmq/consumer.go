package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const defaultMaxTries = 5

type Consumer[T any] interface {
	Consume(ctx context.Context, dependencies T) error
}

// Binding names the exchange, queue and routing key a consumer reads from.
// Messages that keep failing are dead-lettered to <exchange>_dlx, routed to
// <queue>_dlq.
type Binding struct {
	Exchange   string
	Kind       string
	Queue      string
	RoutingKey string
}

func (b Binding) deadLetterExchange() string { return b.Exchange + "_dlx" }
func (b Binding) deadLetterQueue() string    { return b.Queue + "_dlq" }
func (b Binding) deadLetterKey() string      { return "dlq." + b.RoutingKey }

type consumer[T any] struct {
	conn       *amqp.Connection
	binding    Binding
	handler    func(ctx context.Context, msg amqp.Delivery, dependencies T) error
	numWorkers int
	maxTries   uint
	backOff    func() backoff.BackOff
}

func (c *consumer[T]) Consume(ctx context.Context, dependencies T) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := c.declare(ctx, ch); err != nil {
		return err
	}

	if err := ch.Qos(c.numWorkers, 0, false); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", c.binding.Queue).Msg("failed to set QoS")
		return err
	}

	deliveries, err := ch.Consume(c.binding.Queue, "", false, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", c.binding.Queue).Msg("failed to consume queue")
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("queue", c.binding.Queue).
		Str("exchange", c.binding.Exchange).
		Str("routing_key", c.binding.RoutingKey).
		Int("workers", c.numWorkers).
		Msg("consumer started")

	jobs := make(chan amqp.Delivery, c.numWorkers)
	var wg sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for msg := range jobs {
				c.handle(ctx, workerID, msg, dependencies)
			}
		}(i)
	}

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}

			jobs <- delivery
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
}

func (c *consumer[T]) declare(ctx context.Context, ch *amqp.Channel) error {
	b := c.binding
	if err := ch.ExchangeDeclare(b.Exchange, b.Kind, true, false, false, false, nil); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("exchange", b.Exchange).Msg("failed to declare exchange")
		return err
	}
	if err := ch.ExchangeDeclare(b.deadLetterExchange(), b.Kind, true, false, false, false, nil); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("exchange", b.deadLetterExchange()).Msg("failed to declare dlx")
		return err
	}

	dlq, err := ch.QueueDeclare(b.deadLetterQueue(), true, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", b.deadLetterQueue()).Msg("failed to declare dlq")
		return err
	}
	if err := ch.QueueBind(dlq.Name, b.deadLetterKey(), b.deadLetterExchange(), false, nil); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", dlq.Name).Msg("failed to bind dlq")
		return err
	}

	q, err := ch.QueueDeclare(b.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    b.deadLetterExchange(),
		"x-dead-letter-routing-key": b.deadLetterKey(),
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", b.Queue).Msg("failed to declare queue")
		return err
	}
	if err := ch.QueueBind(q.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", b.Queue).Msg("failed to bind queue")
		return err
	}
	return nil
}

// handle retries the handler with backoff, acks on success and dead-letters
// the message once the retries are spent. A handler returning a
// *backoff.PermanentError is not retried.
func (c *consumer[T]) handle(ctx context.Context, workerID int, msg amqp.Delivery, dependencies T) {
	operation := func() (struct{}, error) {
		return struct{}{}, c.handler(ctx, msg, dependencies)
	}

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(c.backOff()), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Int("worker_id", workerID).
			Str("message_id", msg.MessageId).
			Msg("failed to handle message, dead-lettering")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			zerolog.Ctx(ctx).Error().Err(nackErr).Msg("failed to nack message")
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		zerolog.Ctx(ctx).Error().Err(ackErr).Msg("failed to acknowledge message")
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	return bo
}

func NewConsumer[T any](
	conn *amqp.Connection,
	binding Binding,
	numWorkers int,
	handler func(ctx context.Context, msg amqp.Delivery, dependencies T) error,
) Consumer[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if binding.Kind == "" {
		binding.Kind = amqp.ExchangeDirect
	}
	return &consumer[T]{
		conn:       conn,
		binding:    binding,
		handler:    handler,
		numWorkers: numWorkers,
		maxTries:   defaultMaxTries,
		backOff:    defaultBackOff,
	}
}
