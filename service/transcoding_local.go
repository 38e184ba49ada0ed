package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"transcode-coordinator/constant"
	"transcode-coordinator/pkg/ffmpeg"
)

const abortGracePeriod = 5 * time.Second

// speedWindow is the number of progress reports the encoder speed is
// measured over.
const speedWindow = 20

// FFmpegTranscodingWrapper runs ffmpeg on this host and watches its output
// directory. A segment is only read once the encoder opened the next
// segment of the same rendition, or exited.
type FFmpegTranscodingWrapper struct {
	binary  string
	args    []string
	workDir string

	events    chan WrapperEvent
	emitted   map[string]bool
	aborted   atomic.Bool
	unhealthy atomic.Bool
	exited    chan struct{}
	interrupt sync.Once
	grace     time.Duration
	speed     *encodeSpeedMonitor

	mu  sync.Mutex
	cmd *exec.Cmd
}

func NewFFmpegTranscodingWrapper(binary string, opts WrapperOptions) *FFmpegTranscodingWrapper {
	args := ffmpeg.LiveHLSArgs(opts.InputURL, opts.WorkDir, opts.Ladder, opts.SegmentDuration, opts.SegmentListSize)
	w := newFFmpegWrapper(binary, args, opts.WorkDir)
	if opts.MinEncodeSpeed > 0 {
		w.speed = newEncodeSpeedMonitor(opts.MinEncodeSpeed, speedWindow)
	}
	return w
}

func newFFmpegWrapper(binary string, args []string, workDir string) *FFmpegTranscodingWrapper {
	return &FFmpegTranscodingWrapper{
		binary:  binary,
		args:    args,
		workDir: workDir,
		events:  make(chan WrapperEvent, 16),
		emitted: make(map[string]bool),
		exited:  make(chan struct{}),
		grace:   abortGracePeriod,
	}
}

func (w *FFmpegTranscodingWrapper) Events() <-chan WrapperEvent {
	return w.events
}

func (w *FFmpegTranscodingWrapper) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.workDir, os.ModePerm); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.workDir); err != nil {
		watcher.Close()
		return err
	}

	cmd := exec.Command(w.binary, w.args...)
	cmd.Dir = w.workDir
	if w.speed != nil {
		w.speed.onSlow = func(speed float64) {
			if w.aborted.Load() {
				return
			}
			zerolog.Ctx(ctx).Warn().Float64("speed", speed).Float64("min_speed", w.speed.minSpeed).Msg("encoder slower than realtime")
			w.unhealthy.Store(true)
			w.Abort()
		}
		cmd.Stdout = w.speed
	}

	w.mu.Lock()
	if err := cmd.Start(); err != nil {
		w.mu.Unlock()
		watcher.Close()
		return err
	}
	w.cmd = cmd
	w.mu.Unlock()
	zerolog.Ctx(ctx).Info().Str("work_dir", w.workDir).Int("pid", cmd.Process.Pid).Msg("ffmpeg started")
	if w.aborted.Load() {
		w.stop(cmd)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(w.exited)
	}()
	go func() {
		select {
		case <-ctx.Done():
			w.Abort()
		case <-w.exited:
		}
	}()
	go w.run(ctx, watcher, waitErr)
	return nil
}

func (w *FFmpegTranscodingWrapper) Abort() {
	if !w.aborted.CompareAndSwap(false, true) {
		return
	}

	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil {
		return
	}
	w.stop(cmd)
}

// stop lets ffmpeg finish its current segments on SIGINT and kills it once
// the grace period is over.
func (w *FFmpegTranscodingWrapper) stop(cmd *exec.Cmd) {
	w.interrupt.Do(func() {
		_ = cmd.Process.Signal(syscall.SIGINT)
		time.AfterFunc(w.grace, func() {
			select {
			case <-w.exited:
			default:
				_ = cmd.Process.Kill()
			}
		})
	})
}

func (w *FFmpegTranscodingWrapper) run(ctx context.Context, watcher *fsnotify.Watcher, waitErr <-chan error) {
	defer close(w.events)
	defer watcher.Close()

	fsEvents, fsErrors := watcher.Events, watcher.Errors
	for {
		select {
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Has(fsnotify.Create) && isSegment(ev.Name) {
				w.emitBefore(ctx, filepath.Base(ev.Name))
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			zerolog.Ctx(ctx).Warn().Err(err).Msg("segment watcher error")
		case err := <-waitErr:
			w.flush(ctx)
			w.terminate(ctx, err)
			return
		}
	}
}

// emitBefore emits every unseen segment of the same rendition that sorts
// before the newly created one.
func (w *FFmpegTranscodingWrapper) emitBefore(ctx context.Context, created string) {
	rendition := RenditionOf(created)
	for _, name := range w.listSegments() {
		if RenditionOf(name) != rendition || name >= created {
			continue
		}
		w.emit(ctx, name)
	}
}

func (w *FFmpegTranscodingWrapper) flush(ctx context.Context) {
	for _, name := range w.listSegments() {
		w.emit(ctx, name)
	}
}

func (w *FFmpegTranscodingWrapper) emit(ctx context.Context, name string) {
	if w.emitted[name] {
		return
	}
	w.emitted[name] = true

	content, err := os.ReadFile(filepath.Join(w.workDir, name))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("segment", name).Msg("failed to read segment")
		return
	}
	w.events <- WrapperEvent{Kind: EventSegmentReady, Filename: name, Content: content}
}

func (w *FFmpegTranscodingWrapper) terminate(ctx context.Context, err error) {
	if w.unhealthy.Load() {
		zerolog.Ctx(ctx).Error().Str("work_dir", w.workDir).Msg("ffmpeg stopped, encoder could not keep up with the input")
		w.events <- WrapperEvent{Kind: EventError, Code: constant.LiveErrorBadSocketHealth}
		return
	}
	if w.aborted.Load() || err == nil {
		zerolog.Ctx(ctx).Info().Str("work_dir", w.workDir).Msg("ffmpeg ended")
		w.events <- WrapperEvent{Kind: EventEnd}
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		zerolog.Ctx(ctx).Error().Int("exit_code", exitErr.ExitCode()).Str("work_dir", w.workDir).Msg("ffmpeg exited with error")
	} else {
		zerolog.Ctx(ctx).Error().Err(err).Msg("ffmpeg wait failed")
	}
	w.events <- WrapperEvent{Kind: EventError, Code: constant.LiveErrorFFmpeg}
}

// listSegments returns the segment files in the work directory ordered by
// rendition then sequence.
func (w *FFmpegTranscodingWrapper) listSegments() []string {
	entries, err := os.ReadDir(w.workDir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isSegment(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func isSegment(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".ts" || ext == ".m4s"
}

type progressSample struct {
	at      time.Time
	outTime time.Duration
}

// encodeSpeedMonitor reads "ffmpeg -progress" output and reports once when
// the encoded media time advanced slower than minSpeed times the wall clock
// over the last window progress reports.
type encodeSpeedMonitor struct {
	minSpeed float64
	window   int
	now      func() time.Time
	onSlow   func(speed float64)

	pending []byte
	outTime time.Duration
	samples []progressSample
	fired   bool
}

func newEncodeSpeedMonitor(minSpeed float64, window int) *encodeSpeedMonitor {
	return &encodeSpeedMonitor{minSpeed: minSpeed, window: window, now: time.Now}
}

func (m *encodeSpeedMonitor) Write(p []byte) (int, error) {
	m.pending = append(m.pending, p...)
	for {
		i := bytes.IndexByte(m.pending, '\n')
		if i < 0 {
			break
		}
		m.line(strings.TrimSpace(string(m.pending[:i])))
		m.pending = m.pending[i+1:]
	}
	return len(p), nil
}

func (m *encodeSpeedMonitor) line(line string) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	switch key {
	case "out_time_us":
		if us, err := strconv.ParseInt(value, 10, 64); err == nil {
			m.outTime = time.Duration(us) * time.Microsecond
		}
	case "progress":
		m.sample()
	}
}

func (m *encodeSpeedMonitor) sample() {
	m.samples = append(m.samples, progressSample{at: m.now(), outTime: m.outTime})
	if len(m.samples) <= m.window {
		return
	}
	m.samples = m.samples[len(m.samples)-m.window-1:]

	first, last := m.samples[0], m.samples[len(m.samples)-1]
	elapsed := last.at.Sub(first.at)
	if elapsed <= 0 {
		return
	}
	speed := float64(last.outTime-first.outTime) / float64(elapsed)
	if speed < m.minSpeed && !m.fired {
		m.fired = true
		if m.onSlow != nil {
			m.onSlow(speed)
		}
	}
}
