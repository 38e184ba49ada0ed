package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acks++; return nil }

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func newTestConsumer(handler func(context.Context, amqp.Delivery, int) error) *consumer[int] {
	return &consumer[int]{
		binding:    Binding{Exchange: "ex", Queue: "q", RoutingKey: "rk"},
		handler:    handler,
		numWorkers: 1,
		maxTries:   3,
		backOff:    func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}
}

func TestHandleAcksAfterTransientFailure(t *testing.T) {
	calls := 0
	c := newTestConsumer(func(context.Context, amqp.Delivery, int) error {
		calls++
		if calls == 1 {
			return errors.New("database down")
		}
		return nil
	})
	ack := &fakeAcknowledger{}
	c.handle(context.Background(), 1, amqp.Delivery{Acknowledger: ack}, 0)

	if calls != 2 || ack.acks != 1 || ack.nacks != 0 {
		t.Fatalf("calls=%d acks=%d nacks=%d", calls, ack.acks, ack.nacks)
	}
}

func TestHandleDeadLettersAfterRetries(t *testing.T) {
	calls := 0
	c := newTestConsumer(func(context.Context, amqp.Delivery, int) error {
		calls++
		return errors.New("still down")
	})
	ack := &fakeAcknowledger{}
	c.handle(context.Background(), 1, amqp.Delivery{Acknowledger: ack}, 0)

	if calls != 3 || ack.acks != 0 || ack.nacks != 1 || ack.requeue {
		t.Fatalf("calls=%d acks=%d nacks=%d requeue=%v", calls, ack.acks, ack.nacks, ack.requeue)
	}
}

func TestHandlePermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	c := newTestConsumer(func(context.Context, amqp.Delivery, int) error {
		calls++
		return backoff.Permanent(errors.New("malformed"))
	})
	ack := &fakeAcknowledger{}
	c.handle(context.Background(), 1, amqp.Delivery{Acknowledger: ack}, 0)

	if calls != 1 || ack.nacks != 1 {
		t.Fatalf("calls=%d nacks=%d", calls, ack.nacks)
	}
}

func TestBindingDeadLetterNames(t *testing.T) {
	b := Binding{Exchange: "transcoding_exchange", Queue: "transcoding_queue", RoutingKey: "transcoding.request"}
	if b.deadLetterExchange() != "transcoding_exchange_dlx" || b.deadLetterQueue() != "transcoding_queue_dlq" || b.deadLetterKey() != "dlq.transcoding.request" {
		t.Fatalf("unexpected dead letter names %s %s %s", b.deadLetterExchange(), b.deadLetterQueue(), b.deadLetterKey())
	}
}
