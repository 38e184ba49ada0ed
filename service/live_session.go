package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/entities"
	"transcode-coordinator/pkg/ffmpeg"
)

const SegmentsShaFileName = "segments-sha256.json"

type liveSession struct {
	manager *LiveManager
	live    *entities.LiveVideo
	session *entities.VideoLiveSession
	wrapper TranscodingWrapper
	ladder  []ffmpeg.Resolution

	publicDir       string
	workDir         string
	replayDir       string
	replayRendition string
	shas            *SegmentShaStore
	playlists       *LivePlaylists
	started         time.Time

	mu       sync.Mutex
	stopped  bool
	stopCode constant.LiveError

	// Owned by the run goroutine.
	segments  int
	captured  []string
	finalized bool
	// Highest published sequence per rendition.
	sequences map[string]int
}

// stop aborts the wrapper. The first call decides the error code recorded
// for the session, "" meaning a normal end.
func (s *liveSession) stop(code constant.LiveError) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopCode = code
	s.mu.Unlock()

	if s.wrapper != nil {
		s.wrapper.Abort()
	}
}

func (s *liveSession) recordedCode() constant.LiveError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCode
}

func (s *liveSession) run(ctx context.Context) {
	for event := range s.wrapper.Events() {
		if s.finalized {
			zerolog.Ctx(ctx).Warn().Str("event", event.Kind.String()).Msg("event after session end ignored")
			continue
		}

		switch event.Kind {
		case EventSegmentReady:
			if err := s.handleSegment(ctx, event.Filename, event.Content); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Str("segment", event.Filename).Msg("failed to handle segment")
				s.stop(constant.LiveErrorUnknown)
			}
		case EventError:
			code := s.recordedCode()
			if code == "" {
				code = event.Code
			}
			s.finalize(ctx, code)
		case EventEnd:
			s.finalize(ctx, s.recordedCode())
		}
	}

	if !s.finalized {
		zerolog.Ctx(ctx).Warn().Msg("wrapper closed without terminal event")
		s.finalize(ctx, constant.LiveErrorUnknown)
	}
}

// handleSegment publishes one segment: its hash first, then the file, then
// the playlist entry advertising it.
func (s *liveSession) handleSegment(ctx context.Context, filename string, content []byte) error {
	name := filepath.Base(filename)
	rendition, seq, err := parseSegmentName(name, s.ladder)
	if err != nil {
		return err
	}
	if last, ok := s.sequences[rendition]; ok && seq <= last {
		sum := sha256.Sum256(content)
		if known, found := s.shas.Snapshot().Lookup(name); found && known == hex.EncodeToString(sum[:]) {
			zerolog.Ctx(ctx).Debug().Str("segment", name).Msg("segment already published")
			return nil
		}
		return fmt.Errorf("%w: %s does not follow sequence %d", ErrInvalidSegment, name, last)
	}

	if _, err := s.shas.Add(name, content); err != nil {
		return fmt.Errorf("publish segment hash: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.publicDir, name), content); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	evicted, err := s.playlists.Append(name)
	if err != nil {
		return fmt.Errorf("append to playlist: %w", err)
	}
	s.segments++
	if s.sequences == nil {
		s.sequences = make(map[string]int)
	}
	s.sequences[rendition] = seq

	if len(evicted) > 0 {
		for _, old := range evicted {
			if err := os.Remove(filepath.Join(s.publicDir, old)); err != nil && !errors.Is(err, os.ErrNotExist) {
				zerolog.Ctx(ctx).Warn().Err(err).Str("segment", old).Msg("failed to remove old segment")
			}
		}
		if err := s.shas.Remove(evicted...); err != nil {
			return fmt.Errorf("drop segment hashes: %w", err)
		}
	}

	if s.session.SaveReplay && rendition == s.replayRendition {
		if err := s.capture(ctx, name, content); err != nil {
			return err
		}
	}

	if limit := s.manager.cfg.MaxDuration; limit > 0 && s.manager.now().Sub(s.started) > limit {
		zerolog.Ctx(ctx).Info().Dur("max_duration", limit).Msg("live duration exceeded")
		s.stop(constant.LiveErrorDurationExceeded)
	}
	return nil
}

// capture keeps a replay copy of the segment and accounts it in the owner's
// quota.
func (s *liveSession) capture(ctx context.Context, name string, content []byte) error {
	path := filepath.Join(s.replayDir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("capture replay segment: %w", err)
	}
	s.captured = append(s.captured, path)

	total, err := s.manager.quota.Add(ctx, s.live.OwnerID, s.session.UUID, int64(len(content)))
	if err != nil {
		return fmt.Errorf("account live quota: %w", err)
	}
	if s.live.QuotaBytes >= 0 && total > s.live.QuotaBytes {
		zerolog.Ctx(ctx).Info().Int64("used", total).Int64("quota", s.live.QuotaBytes).Msg("live quota exceeded")
		s.stop(constant.LiveErrorQuotaExceeded)
	}
	return nil
}

// finalize runs once per session, and only in the process that wins the
// endingProcessed flag.
func (s *liveSession) finalize(ctx context.Context, code constant.LiveError) {
	s.finalized = true
	m := s.manager

	var recorded *constant.LiveError
	if code != "" {
		recorded = &code
	}
	won, err := m.lives.MarkSessionEnding(ctx, s.session.UUID, recorded, s.segments, m.now())
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to mark session ending")
		s.cleanup(ctx)
		return
	}
	if !won {
		zerolog.Ctx(ctx).Info().Msg("session already finalized")
		s.cleanup(ctx)
		return
	}

	if s.playlists != nil {
		if err := s.playlists.Close(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to close playlists")
		}
	}

	if s.session.SaveReplay && len(s.captured) > 0 {
		err := m.replays.PersistReplay(ctx, ReplayRequest{
			SessionUUID: s.session.UUID,
			VideoUUID:   s.live.VideoUUID,
			OwnerID:     s.live.OwnerID,
			Privacy:     s.session.ReplayPrivacy,
			Segments:    s.captured,
			WorkDir:     s.replayDir,
		})
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Int("segments", len(s.captured)).Msg("failed to persist replay")
		}
	}

	if err := m.quota.Release(ctx, s.live.OwnerID, s.session.UUID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to release live quota")
	}

	// The directories must be gone before the live can be published again.
	s.cleanup(ctx)
	m.forget(s)
	m.settleLive(ctx, s.live, code)

	event := zerolog.Ctx(ctx).Info().Int("segments", s.segments)
	if code != "" {
		event = event.Str("error", string(code))
	}
	event.Msg("live session ended")
}

func (s *liveSession) cleanup(ctx context.Context) {
	for _, dir := range []string{s.workDir, s.replayDir, s.publicDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("dir", dir).Msg("failed to clean session directory")
		}
	}
}
