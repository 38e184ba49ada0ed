package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
)

// Version is reported to coordinators on registration.
var Version = "dev"

// SupportedJobTypes are the job types this runner knows how to process.
var SupportedJobTypes = []constant.JobType{
	constant.JobTypeVODWebVideoTranscoding,
	constant.JobTypeVODHLSTranscoding,
	constant.JobTypeLiveRTMPHLS,
}

// RunningJob describes a job in flight, as listed by the control plane.
type RunningJob struct {
	UUID      uuid.UUID        `json:"uuid"`
	Type      constant.JobType `json:"type"`
	Server    string           `json:"server"`
	Progress  int              `json:"progress"`
	StartedAt time.Time        `json:"startedAt"`
}

// Daemon polls every registered coordinator for jobs and processes up to
// Concurrency of them at a time.
type Daemon struct {
	cfg       config.Runner
	store     *ServerStore
	newClient func(url, token string) *Client
	processor jobProcessor

	slots    chan struct{}
	draining atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	jobs     sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]*RunningJob
}

func NewDaemon(cfg config.Runner, store *ServerStore) *Daemon {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	d := &Daemon{
		cfg:       cfg,
		store:     store,
		newClient: NewClient,
		slots:     make(chan struct{}, concurrency),
		stop:      make(chan struct{}),
		running:   make(map[uuid.UUID]*RunningJob),
	}
	d.processor = &ffmpegProcessor{binary: cfg.FFmpegPath, workDir: cfg.WorkDir}
	return d
}

// Run serves the control socket and polls until ctx is done or a graceful
// shutdown was requested and every job in flight ended. Jobs still running
// when ctx ends are aborted.
func (d *Daemon) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return NewControlServer(d, d.cfg.SocketPath).Serve(gctx)
	})
	g.Go(func() error {
		d.poll(gctx, jobCtx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-d.stop:
			zerolog.Ctx(ctx).Info().Msg("graceful shutdown requested, waiting for running jobs")
		case <-gctx.Done():
			cancelJobs()
		}
		d.draining.Store(true)
		d.jobs.Wait()
		cancel()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops requesting jobs. Run returns once the running jobs ended.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() {
		d.draining.Store(true)
		close(d.stop)
	})
}

func (d *Daemon) poll(ctx, jobCtx context.Context) {
	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.pollOnce(ctx, jobCtx)
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) pollOnce(ctx, jobCtx context.Context) {
	for _, server := range d.store.List() {
		if d.draining.Load() {
			return
		}
		select {
		case d.slots <- struct{}{}:
		default:
			return
		}

		client := d.newClient(server.URL, server.RunnerToken)
		job, err := client.RequestJob(ctx, SupportedJobTypes)
		if err != nil || job == nil {
			<-d.slots
			if err != nil && ctx.Err() == nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("server", server.URL).Msg("failed to request job")
			}
			continue
		}
		d.start(jobCtx, server, client, job)
	}
}

func (d *Daemon) start(ctx context.Context, server Server, client *Client, job *dto.AcceptedJob) {
	d.mu.Lock()
	d.running[job.UUID] = &RunningJob{UUID: job.UUID, Type: job.Type, Server: server.URL, StartedAt: time.Now().UTC()}
	d.mu.Unlock()

	d.jobs.Add(1)
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.running, job.UUID)
			d.mu.Unlock()
			<-d.slots
			d.jobs.Done()
		}()

		logger := zerolog.Ctx(ctx).With().Str("job_uuid", job.UUID.String()).Str("job_type", string(job.Type)).Logger()
		d.process(logger.WithContext(ctx), client, job)
	}()
}

func (d *Daemon) setProgress(id uuid.UUID, progress int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job, ok := d.running[id]; ok {
		job.Progress = progress
	}
}

// process runs job and settles it on the coordinator. A job the
// coordinator took back is dropped silently.
func (d *Daemon) process(ctx context.Context, client *Client, job *dto.AcceptedJob) {
	zerolog.Ctx(ctx).Info().Msg("processing job")
	err := d.processor.Process(ctx, client, job, func(progress int) { d.setProgress(job.UUID, progress) })

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	switch {
	case err == nil:
		zerolog.Ctx(ctx).Info().Msg("job done")
	case IsJobGone(err):
		zerolog.Ctx(ctx).Info().Err(err).Msg("job no longer held by this runner")
	case ctx.Err() != nil:
		if err := client.Abort(settleCtx, job, "runner shutting down"); err != nil && !IsJobGone(err) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to abort job")
		}
	default:
		zerolog.Ctx(ctx).Error().Err(err).Msg("job failed")
		if err := client.Error(settleCtx, job, err.Error()); err != nil && !IsJobGone(err) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to report job error")
		}
	}
}

// RegisterServer registers this runner on the coordinator at url and
// remembers the runner token.
func (d *Daemon) RegisterServer(ctx context.Context, url, registrationToken, name, description string) (Server, error) {
	if name == "" {
		name = d.cfg.Name
	}
	resp, err := d.newClient(url, "").Register(ctx, registrationToken, dto.RegisterRunnerRequest{
		Name:        name,
		Description: description,
		Version:     Version,
	})
	if err != nil {
		return Server{}, err
	}

	server := Server{URL: url, RunnerName: name, RunnerToken: resp.RunnerToken}
	if err := d.store.Add(server); err != nil {
		return Server{}, err
	}
	zerolog.Ctx(ctx).Info().Str("server", url).Str("runner_name", name).Msg("registered on server")
	return server, nil
}

// UnregisterServer forgets url. A coordinator that no longer knows the
// runner does not prevent it.
func (d *Daemon) UnregisterServer(ctx context.Context, url string) error {
	server, err := d.store.Get(url)
	if err != nil {
		return err
	}
	err = d.newClient(server.URL, server.RunnerToken).Unregister(ctx)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == 401) {
		return err
	}
	return d.store.Remove(url)
}

func (d *Daemon) Servers() []Server {
	return d.store.List()
}

func (d *Daemon) RunningJobs() []RunningJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := make([]RunningJob, 0, len(d.running))
	for _, job := range d.running {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })
	return jobs
}
