package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
)

// RemoteTranscodingWrapper hands the encoding to the runner pool through a
// live job. Segments come back over the runner's segment channel.
type RemoteTranscodingWrapper struct {
	ledger *Ledger
	hub    *LiveJobHub
	opts   WrapperOptions

	events         chan WrapperEvent
	abortRequested atomic.Bool

	mu       sync.Mutex
	ctx      context.Context
	jobUUID  uuid.UUID
	finished bool
}

func NewRemoteTranscodingWrapper(ledger *Ledger, hub *LiveJobHub, opts WrapperOptions) *RemoteTranscodingWrapper {
	return &RemoteTranscodingWrapper{
		ledger: ledger,
		hub:    hub,
		opts:   opts,
		events: make(chan WrapperEvent, 16),
	}
}

func (w *RemoteTranscodingWrapper) Events() <-chan WrapperEvent {
	return w.events
}

func (w *RemoteTranscodingWrapper) JobUUID() uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobUUID
}

func (w *RemoteTranscodingWrapper) Start(ctx context.Context) error {
	resolutions := make([]dto.LiveResolution, 0, len(w.opts.Ladder))
	for _, r := range w.opts.Ladder {
		resolutions = append(resolutions, dto.LiveResolution{
			Width:   r.Width,
			Height:  r.Height,
			FPS:     30,
			Bitrate: r.Bitrate,
		})
	}

	priority := constant.LivePriority

	// The wrapper is registered before the job exists so no runner can
	// lease it and push segments nobody routes.
	jobUUID := uuid.New()
	w.mu.Lock()
	w.ctx = ctx
	w.jobUUID = jobUUID
	w.mu.Unlock()
	w.hub.Register(jobUUID, w)

	job, err := w.ledger.Enqueue(ctx, EnqueueRequest{
		UUID: jobUUID,
		Type: constant.JobTypeLiveRTMPHLS,
		Payload: dto.LiveRTMPHLSPayload{
			Input: dto.LiveInput{RTMPURL: w.opts.InputURL},
			Output: dto.LiveOutput{
				ToTranscode:     resolutions,
				SegmentDuration: w.opts.SegmentDuration,
				SegmentListSize: w.opts.SegmentListSize,
			},
		},
		PrivatePayload: dto.LivePrivatePayload{
			SessionUUID: w.opts.SessionUUID,
			VideoUUID:   w.opts.VideoUUID,
		},
		OwnerID:  w.opts.OwnerID,
		Priority: &priority,
	})
	if err != nil {
		w.hub.Unregister(jobUUID)
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_uuid", job.UUID.String()).
		Str("session_uuid", w.opts.SessionUUID.String()).
		Msg("live job enqueued for runners")

	if w.abortRequested.Load() {
		go w.cancelJob()
	}
	return nil
}

func (w *RemoteTranscodingWrapper) Abort() {
	if !w.abortRequested.CompareAndSwap(false, true) {
		return
	}
	go w.cancelJob()
}

func (w *RemoteTranscodingWrapper) cancelJob() {
	w.mu.Lock()
	ctx, jobUUID := w.ctx, w.jobUUID
	w.mu.Unlock()
	if ctx == nil || jobUUID == uuid.Nil {
		return
	}

	err := w.ledger.Cancel(ctx, jobUUID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		zerolog.Ctx(ctx).Error().Err(err).Str("job_uuid", jobUUID.String()).Msg("failed to cancel live job")
		w.finish(WrapperEvent{Kind: EventEnd})
	}
}

func (w *RemoteTranscodingWrapper) pushSegment(filename string, content []byte) error {
	if _, _, err := parseSegmentName(filename, w.opts.Ladder); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return ErrJobNotProcessing
	}
	w.events <- WrapperEvent{Kind: EventSegmentReady, Filename: filename, Content: content}
	return nil
}

func (w *RemoteTranscodingWrapper) onJobState(state constant.JobState) {
	switch state {
	case constant.JobStateCompleted:
		w.finish(WrapperEvent{Kind: EventEnd})
	case constant.JobStateErrored:
		w.finish(WrapperEvent{Kind: EventError, Code: constant.LiveErrorRunnerJobError})
	case constant.JobStateCancelled:
		if w.abortRequested.Load() {
			w.finish(WrapperEvent{Kind: EventEnd})
			return
		}
		w.finish(WrapperEvent{Kind: EventError, Code: constant.LiveErrorRunnerJobCancel})
	}
}

func (w *RemoteTranscodingWrapper) finish(ev WrapperEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	w.finished = true
	w.hub.Unregister(w.jobUUID)
	w.events <- ev
	close(w.events)
}

// LiveJobHub routes ledger events and pushed segments of live jobs to the
// wrapper that enqueued them.
type LiveJobHub struct {
	mu       sync.RWMutex
	wrappers map[uuid.UUID]*RemoteTranscodingWrapper
}

func NewLiveJobHub() *LiveJobHub {
	return &LiveJobHub{wrappers: make(map[uuid.UUID]*RemoteTranscodingWrapper)}
}

func (h *LiveJobHub) Register(jobUUID uuid.UUID, w *RemoteTranscodingWrapper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wrappers[jobUUID] = w
}

func (h *LiveJobHub) Unregister(jobUUID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.wrappers, jobUUID)
}

func (h *LiveJobHub) lookup(jobUUID uuid.UUID) (*RemoteTranscodingWrapper, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.wrappers[jobUUID]
	return w, ok
}

func (h *LiveJobHub) OnJobEvent(ctx context.Context, event JobEvent) {
	if event.Type != constant.JobTypeLiveRTMPHLS || !event.State.IsTerminal() {
		return
	}
	w, ok := h.lookup(event.JobUUID)
	if !ok {
		return
	}
	zerolog.Ctx(ctx).Info().
		Str("job_uuid", event.JobUUID.String()).
		Str("state", event.State.String()).
		Msg("live job settled")
	w.onJobState(event.State)
}

// PushSegment delivers a segment produced by the runner holding jobUUID.
func (h *LiveJobHub) PushSegment(jobUUID uuid.UUID, filename string, content []byte) error {
	w, ok := h.lookup(jobUUID)
	if !ok {
		return ErrNotFound
	}
	return w.pushSegment(filename, content)
}
