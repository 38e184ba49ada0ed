package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"transcode-coordinator/dto"
	"transcode-coordinator/service"
)

type fakeUploads struct {
	err      error
	messages []dto.UploadFinishedMessage
}

func (u *fakeUploads) HandleUploadFinished(_ context.Context, message dto.UploadFinishedMessage) error {
	u.messages = append(u.messages, message)
	return u.err
}

func isPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

func TestUploadFinishedHandler(t *testing.T) {
	videoUUID := uuid.New()
	body := []byte(`{"videoUUID":"` + videoUUID.String() + `","ownerId":"owner-1","objectPath":"uploads/v/original.mp4"}`)

	uploads := &fakeUploads{}
	if err := UploadFinishedHandler(context.Background(), amqp.Delivery{Body: body}, ServiceDependencies{VOD: uploads}); err != nil {
		t.Fatal(err)
	}
	if len(uploads.messages) != 1 || uploads.messages[0].VideoUUID != videoUUID || uploads.messages[0].ObjectPath != "uploads/v/original.mp4" {
		t.Fatalf("messages = %+v", uploads.messages)
	}

	err := UploadFinishedHandler(context.Background(), amqp.Delivery{Body: []byte("{")}, ServiceDependencies{VOD: uploads})
	if !isPermanent(err) {
		t.Fatalf("malformed body err = %v, want permanent", err)
	}

	uploads.err = errors.Join(service.ErrNonRetryable, errors.New("no object path"))
	if err := UploadFinishedHandler(context.Background(), amqp.Delivery{Body: body}, ServiceDependencies{VOD: uploads}); !isPermanent(err) {
		t.Fatalf("non-retryable err = %v, want permanent", err)
	}

	uploads.err = errors.New("database down")
	if err := UploadFinishedHandler(context.Background(), amqp.Delivery{Body: body}, ServiceDependencies{VOD: uploads}); err == nil || isPermanent(err) {
		t.Fatalf("transient err = %v, want retryable", err)
	}
}
