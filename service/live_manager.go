package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	"transcode-coordinator/entities"
	"transcode-coordinator/pkg/ffmpeg"
	"transcode-coordinator/repository"
)

type PublishRequest struct {
	RTMPSessionID string
	StreamKey     string
	// InputURL is where the encoder pulls the stream from. Built from the
	// RTMP base URL when empty.
	InputURL string
}

// InputProber inspects a live input before it is transcoded.
type InputProber interface {
	Probe(ctx context.Context, input string) (*ffmpeg.ProbeResult, error)
}

// LiveManager accepts RTMP publishes and drives one session per publishing
// live until its wrapper reports the end of the stream.
type LiveManager struct {
	cfg        config.Live
	lives      repository.LiveRepository
	ledger     *Ledger
	quota      QuotaStore
	replays    ReplayPersister
	prober     InputProber
	newWrapper TranscodingWrapperFactory
	now        func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*liveSession
	wg       sync.WaitGroup
}

func NewLiveManager(cfg config.Live, lives repository.LiveRepository, ledger *Ledger, quota QuotaStore, replays ReplayPersister, prober InputProber, factory TranscodingWrapperFactory) *LiveManager {
	return &LiveManager{
		cfg:        cfg,
		lives:      lives,
		ledger:     ledger,
		quota:      quota,
		replays:    replays,
		prober:     prober,
		newWrapper: factory,
		now:        func() time.Time { return time.Now().UTC() },
		sessions:   make(map[uuid.UUID]*liveSession),
	}
}

// HandlePublish validates a publish attempt and starts transcoding it.
// Refusals are *LiveRejection values, or ErrUnknownStreamKey.
func (m *LiveManager) HandlePublish(ctx context.Context, req PublishRequest) (*entities.VideoLiveSession, error) {
	live, err := m.lives.FindLiveByStreamKey(ctx, req.StreamKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownStreamKey
	}
	if err != nil {
		return nil, err
	}

	if err := m.checkPublish(ctx, live); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("video_uuid", live.VideoUUID.String()).Msg("publish refused")
		return nil, err
	}

	inputURL := req.InputURL
	if inputURL == "" {
		inputURL = strings.TrimSuffix(m.cfg.RTMPBaseURL, "/") + "/" + m.cfg.RTMPApp + "/" + req.StreamKey
	}
	ladder, err := m.ladderFor(ctx, inputURL)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("video_uuid", live.VideoUUID.String()).Msg("publish refused")
		return nil, err
	}

	won, err := m.lives.TransitionLive(ctx, live.VideoUUID, []constant.LiveState{constant.LiveStateAwaitingPublish}, constant.LiveStatePublishing)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, rejectLive(constant.LiveErrorUnknown, "live %s is not waiting for a publish", live.VideoUUID)
	}

	session := &entities.VideoLiveSession{
		UUID:          uuid.New(),
		LiveVideoUUID: live.VideoUUID,
		RTMPSessionID: req.RTMPSessionID,
		StartDate:     m.now(),
		SaveReplay:    live.SaveReplay,
		ReplayPrivacy: live.ReplayPrivacy,
	}
	if err := m.lives.CreateSession(ctx, session); err != nil {
		m.restoreLive(ctx, live)
		return nil, fmt.Errorf("create live session: %w", err)
	}

	logger := zerolog.Ctx(ctx).With().
		Str("session_uuid", session.UUID.String()).
		Str("video_uuid", live.VideoUUID.String()).
		Logger()
	sessionCtx := logger.WithContext(context.WithoutCancel(ctx))

	s, err := m.newSession(live, session, ladder)
	if err != nil {
		s.finalize(sessionCtx, constant.LiveErrorUnknown)
		return nil, rejectLive(constant.LiveErrorUnknown, "prepare session: %v", err)
	}
	s.wrapper = m.newWrapper(WrapperOptions{
		SessionUUID:     session.UUID,
		VideoUUID:       live.VideoUUID,
		OwnerID:         live.OwnerID,
		InputURL:        inputURL,
		WorkDir:         s.workDir,
		Ladder:          s.ladder,
		SegmentDuration: m.cfg.SegmentDuration,
		SegmentListSize: m.cfg.SegmentListSize,
	})

	m.mu.Lock()
	m.sessions[live.VideoUUID] = s
	m.mu.Unlock()

	if err := s.wrapper.Start(sessionCtx); err != nil {
		m.forget(s)
		s.finalize(sessionCtx, constant.LiveErrorUnknown)
		return nil, rejectLive(constant.LiveErrorUnknown, "start transcoding: %v", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.forget(s)
		s.run(sessionCtx)
	}()

	logger.Info().Bool("save_replay", session.SaveReplay).Msg("live session started")
	return session, nil
}

func (m *LiveManager) checkPublish(ctx context.Context, live *entities.LiveVideo) error {
	if live.Blacklisted || live.OwnerBlocked {
		return rejectLive(constant.LiveErrorBlacklisted, "live %s is blacklisted", live.VideoUUID)
	}

	if live.QuotaBytes >= 0 {
		usage, err := m.quota.Usage(ctx, live.OwnerID)
		if err != nil {
			return fmt.Errorf("read live quota: %w", err)
		}
		if usage >= live.QuotaBytes {
			return rejectLive(constant.LiveErrorQuotaExceeded, "owner %s used %d of %d bytes", live.OwnerID, usage, live.QuotaBytes)
		}
	}

	now := m.now()
	if live.ScheduledStart != nil && now.Before(*live.ScheduledStart) {
		return rejectLive(constant.LiveErrorUnknown, "live %s is scheduled to start at %s", live.VideoUUID, live.ScheduledStart.Format(time.RFC3339))
	}
	if live.ScheduledEnd != nil && now.After(*live.ScheduledEnd) {
		return rejectLive(constant.LiveErrorUnknown, "live %s schedule ended at %s", live.VideoUUID, live.ScheduledEnd.Format(time.RFC3339))
	}

	m.mu.Lock()
	_, publishing := m.sessions[live.VideoUUID]
	m.mu.Unlock()
	if publishing {
		return rejectLive(constant.LiveErrorUnknown, "live %s is already publishing", live.VideoUUID)
	}
	return nil
}

// ladderFor keeps the configured renditions the input can feed. Inputs
// without a video stream are refused.
func (m *LiveManager) ladderFor(ctx context.Context, inputURL string) ([]ffmpeg.Resolution, error) {
	ladder := ffmpeg.LadderFor(m.cfg.Transcoding.Resolutions)
	if m.prober == nil {
		return ladder, nil
	}

	probe, err := m.prober.Probe(ctx, inputURL)
	if err != nil {
		return nil, rejectLive(constant.LiveErrorInvalidInput, "probe input: %v", err)
	}
	if !probe.HasVideo {
		return nil, rejectLive(constant.LiveErrorInvalidInput, "no video stream in input (audio: %t)", probe.HasAudio)
	}

	ladder = ffmpeg.LadderUpTo(ladder, probe.Height)
	zerolog.Ctx(ctx).Info().
		Int("input_height", probe.Height).
		Bool("has_audio", probe.HasAudio).
		Int("renditions", len(ladder)).
		Msg("live input probed")
	return ladder, nil
}

func (m *LiveManager) newSession(live *entities.LiveVideo, session *entities.VideoLiveSession, ladder []ffmpeg.Resolution) (*liveSession, error) {
	s := &liveSession{
		manager:   m,
		live:      live,
		session:   session,
		ladder:    ladder,
		publicDir: filepath.Join(m.cfg.StreamingDir, live.VideoUUID.String()),
		workDir:   filepath.Join(m.cfg.WorkDir, session.UUID.String()),
		replayDir: filepath.Join(m.cfg.ReplayDir, session.UUID.String()),
		started:   m.now(),
	}
	if len(ladder) > 0 {
		s.replayRendition = ladder[len(ladder)-1].Name()
	}

	if err := os.RemoveAll(s.publicDir); err != nil {
		return s, err
	}
	for _, dir := range []string{s.publicDir, s.workDir, s.replayDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return s, err
		}
	}

	s.shas = NewSegmentShaStore(filepath.Join(s.publicDir, SegmentsShaFileName))
	playlists, err := NewLivePlaylists(s.publicDir, ladder, m.cfg.SegmentDuration, m.cfg.SegmentListSize)
	if err != nil {
		return s, err
	}
	s.playlists = playlists
	return s, nil
}

func (m *LiveManager) forget(s *liveSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.live.VideoUUID] == s {
		delete(m.sessions, s.live.VideoUUID)
	}
}

func (m *LiveManager) session(videoUUID uuid.UUID) *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[videoUUID]
}

// restoreLive puts a live back in AWAITING_PUBLISH after a publish that
// never produced a session.
func (m *LiveManager) restoreLive(ctx context.Context, live *entities.LiveVideo) {
	_, err := m.lives.TransitionLive(ctx, live.VideoUUID, []constant.LiveState{constant.LiveStatePublishing}, constant.LiveStateAwaitingPublish)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("video_uuid", live.VideoUUID.String()).Msg("failed to restore live state")
	}
}

// HandlePublishDone stops the session of streamKey once the publisher
// disconnected. An rtmpSessionID that does not match the running session is
// ignored.
func (m *LiveManager) HandlePublishDone(ctx context.Context, streamKey, rtmpSessionID string) error {
	live, err := m.lives.FindLiveByStreamKey(ctx, streamKey)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUnknownStreamKey
	}
	if err != nil {
		return err
	}

	s := m.session(live.VideoUUID)
	if s == nil {
		zerolog.Ctx(ctx).Debug().Str("video_uuid", live.VideoUUID.String()).Msg("publish done without session")
		return nil
	}
	if rtmpSessionID != "" && s.session.RTMPSessionID != "" && rtmpSessionID != s.session.RTMPSessionID {
		zerolog.Ctx(ctx).Warn().Str("rtmp_session_id", rtmpSessionID).Msg("publish done for another rtmp session")
		return nil
	}
	s.stop("")
	return nil
}

// Blacklist refuses future publishes of the live and stops the running
// session, if any.
func (m *LiveManager) Blacklist(ctx context.Context, videoUUID uuid.UUID) error {
	if _, err := m.lives.FindLiveByVideoUUID(ctx, videoUUID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := m.lives.SetBlacklisted(ctx, videoUUID); err != nil {
		return err
	}
	if s := m.session(videoUUID); s != nil {
		s.stop(constant.LiveErrorBlacklisted)
	}
	return nil
}

// Recover cleans what a previous process left behind: unfinished live jobs
// and sessions that never got an end date.
func (m *LiveManager) Recover(ctx context.Context) error {
	cancelled, err := m.ledger.CancelAllUnfinished(ctx, constant.JobTypeLiveRTMPHLS)
	if err != nil {
		return fmt.Errorf("cancel live jobs: %w", err)
	}

	sessions, err := m.lives.ListOpenSessions(ctx)
	if err != nil {
		return err
	}
	code := constant.LiveErrorUnknown
	for _, session := range sessions {
		won, err := m.lives.MarkSessionEnding(ctx, session.UUID, &code, session.SegmentCount, m.now())
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		live, err := m.lives.FindLiveByVideoUUID(ctx, session.LiveVideoUUID)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("session_uuid", session.UUID.String()).Msg("live of orphan session not found")
			continue
		}
		m.settleLive(ctx, live, code)
		os.RemoveAll(filepath.Join(m.cfg.WorkDir, session.UUID.String()))
		os.RemoveAll(filepath.Join(m.cfg.ReplayDir, session.UUID.String()))
		os.RemoveAll(filepath.Join(m.cfg.StreamingDir, live.VideoUUID.String()))
	}

	zerolog.Ctx(ctx).Info().
		Int("cancelled_jobs", cancelled).
		Int("orphan_sessions", len(sessions)).
		Msg("live recovery done")
	return nil
}

// settleLive moves a live out of PUBLISHING once its session is over.
func (m *LiveManager) settleLive(ctx context.Context, live *entities.LiveVideo, code constant.LiveError) {
	to := constant.LiveStateEnded
	switch {
	case live.PermanentLive:
		to = constant.LiveStateAwaitingPublish
	case code != "":
		to = constant.LiveStateErrored
	}
	_, err := m.lives.TransitionLive(ctx, live.VideoUUID, []constant.LiveState{constant.LiveStatePublishing}, to)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("video_uuid", live.VideoUUID.String()).Msg("failed to settle live state")
	}
}

// Shutdown stops every running session and waits for them to finalize.
func (m *LiveManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	running := make([]*liveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		running = append(running, s)
	}
	m.mu.Unlock()

	for _, s := range running {
		s.stop("")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
