package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"hls-publisher/internal/hls"
	"hls-publisher/internal/platform/metrics"
	"hls-publisher/internal/publisher"
	"hls-publisher/internal/transcoder"
	"hls-publisher/internal/watcher"
)

const (
	DefaultDrainDelay = 5 * time.Second
	lockFileName      = ".publisher.lock"
)

var (
	// ErrInvalidRequest is returned when the source URL is empty or the stream
	// name has no usable characters.
	ErrInvalidRequest = errors.New("RTMP url and stream name are required")

	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Publisher uploads artifacts detected by watchers and synthesized content
// such as the master playlist. *publisher.Dispatcher implements it.
type Publisher interface {
	watcher.Sink
	PublishBytes(ctx context.Context, key string, data []byte) error
}

// Config controls how jobs lay out and publish their output.
type Config struct {
	OutputRoot      string
	Ladder          hls.Ladder
	SegmentDuration int
	// Quiet is the watcher debounce window; negative selects the watcher default.
	Quiet         time.Duration
	DrainDelay    time.Duration
	MasterPublish MasterPublish
}

func (c *Config) applyDefaults() {
	if c.OutputRoot == "" {
		c.OutputRoot = "."
	}
	if len(c.Ladder) == 0 {
		c.Ladder = hls.DefaultLadder()
	}
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = hls.DefaultSegmentDuration
	}
	if c.DrainDelay < 0 {
		c.DrainDelay = DefaultDrainDelay
	}
	if c.MasterPublish == "" {
		c.MasterPublish = MasterImmediate
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics records job and watcher metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator turns intake requests into running stream jobs: it prepares the
// output tree, arms one watcher per rendition, starts the transcoder, and
// publishes the master playlist.
type Orchestrator struct {
	cfg      Config
	engine   transcoder.Engine
	pub      Publisher
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds an Orchestrator. When pub also accepts listeners (as
// *publisher.Dispatcher does) the orchestrator subscribes to successful
// uploads for ready-mode master publication.
func New(cfg Config, engine transcoder.Engine, pub Publisher, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		pub:      pub,
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if l, ok := pub.(interface{ AddListener(publisher.Listener) }); ok && cfg.MasterPublish == MasterReady {
		l.AddListener(o)
	}
	return o
}

// Start validates the request, reserves the stream name, and launches the job
// in the background. It returns as soon as the job is registered.
func (o *Orchestrator) Start(ctx context.Context, sourceURL, streamName string) (*Job, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	stream := hls.Sanitize(streamName)
	if sourceURL == "" || stream == "" {
		return nil, ErrInvalidRequest
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}

	renditions := o.cfg.Ladder.Renditions(o.cfg.OutputRoot, stream, o.cfg.SegmentDuration)
	// The job outlives the request that created it.
	job := newJob(context.WithoutCancel(ctx), stream, sourceURL, renditions)
	if err := o.registry.Reserve(job); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.IncJobsStarted()
		o.metrics.SetActiveJobs(o.registry.ActiveCount())
	}
	o.log.Info("stream job accepted",
		slog.String("job_id", job.ID),
		slog.String("stream", string(stream)),
		slog.Int("renditions", len(renditions)))

	o.wg.Add(1)
	go o.run(job)
	return job, nil
}

// Job returns the job holding stream.
func (o *Orchestrator) Job(stream hls.StreamName) (*Job, bool) {
	return o.registry.Get(stream)
}

// Jobs lists current jobs ordered by stream.
func (o *Orchestrator) Jobs() []*Job {
	return o.registry.List()
}

// ActiveCount returns the number of jobs that have not stopped.
func (o *Orchestrator) ActiveCount() int {
	return o.registry.ActiveCount()
}

// Stop requests shutdown of the job for stream.
func (o *Orchestrator) Stop(stream hls.StreamName) (*Job, error) {
	job, ok := o.registry.Get(stream)
	if !ok {
		return nil, ErrJobNotFound
	}
	o.log.Info("stream job stop requested", slog.String("job_id", job.ID), slog.String("stream", string(stream)))
	job.Stop()
	return job, nil
}

// Shutdown refuses new jobs, stops every running job, and waits for them to
// finish or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for _, job := range o.registry.List() {
		job.Stop()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Published implements publisher.Listener. In ready mode it publishes a job's
// master playlist once each watched rendition has a segment in the store.
func (o *Orchestrator) Published(ctx context.Context, ev hls.ArtifactEvent, key string) {
	if o.cfg.MasterPublish != MasterReady || hls.KindOf(ev.FileName) != hls.KindSegment {
		return
	}
	job, ok := o.registry.Get(ev.Stream)
	if !ok {
		return
	}
	if job.segmentUploaded(ev.Rendition) {
		o.publishMaster(ctx, job)
	}
}

func (o *Orchestrator) run(job *Job) {
	defer o.wg.Done()
	defer o.finish(job)

	log := o.log.With(slog.String("job_id", job.ID), slog.String("stream", string(job.Stream)))

	streamDir := filepath.Join(o.cfg.OutputRoot, string(job.Stream))
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		log.Error("create stream directory failed", slog.String("dir", streamDir), slog.String("error", err.Error()))
		job.setErr(err)
		return
	}

	lock := flock.New(filepath.Join(streamDir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("output directory %s is locked by another process", streamDir)
		}
		log.Error("acquire stream lock failed", slog.String("error", err.Error()))
		job.setErr(err)
		return
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("release stream lock failed", slog.String("error", err.Error()))
		}
	}()

	watchers := o.armWatchers(job, log)

	// Watchers outlive the transcoder by the drain delay so the last segments
	// and the final playlist still get uploaded after a stop request.
	watchCtx, stopWatchers := context.WithCancel(context.WithoutCancel(job.ctx))
	defer stopWatchers()

	var g errgroup.Group
	for _, w := range watchers {
		w := w
		g.Go(func() error {
			if err := w.Run(watchCtx); err != nil {
				log.Error("watcher stopped", slog.String("dir", w.Dir()), slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Immediate mode publishes as soon as orchestration starts; a transcoder
	// that then fails to start is logged, the master stays published.
	if o.cfg.MasterPublish == MasterImmediate && job.claimMaster() {
		g.Go(func() error {
			o.publishMaster(job.ctx, job)
			return nil
		})
	}

	proc, err := o.engine.Start(job.ctx, job.SourceURL, job.Renditions)
	if err != nil {
		log.Error("transcoder start failed", slog.String("error", err.Error()))
		job.setErr(err)
		job.setState(StateStopping)
		stopWatchers()
		_ = g.Wait()
		return
	}
	job.setPID(proc.PID())
	job.setState(StateRunning)
	log.Info("stream job running", slog.Int("pid", proc.PID()), slog.Int("watchers", len(watchers)))

	g.Go(func() error {
		if err := proc.Wait(); err != nil {
			log.Error("transcoder exited with error", slog.String("error", err.Error()))
			job.setErr(err)
		} else {
			log.Info("transcoder exited")
		}
		job.setState(StateStopping)

		t := time.NewTimer(o.cfg.DrainDelay)
		defer t.Stop()
		<-t.C
		stopWatchers()
		return nil
	})

	_ = g.Wait()
}

// armWatchers creates each rendition directory and watches it. A failure only
// disables that rendition.
func (o *Orchestrator) armWatchers(job *Job, log *slog.Logger) []*watcher.Watcher {
	watchers := make([]*watcher.Watcher, 0, len(job.Renditions))
	for _, r := range job.Renditions {
		rlog := log.With(slog.String("rendition", r.Label))
		if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
			rlog.Error("create rendition directory failed", slog.String("dir", r.OutputDir), slog.String("error", err.Error()))
			continue
		}
		w, err := watcher.New(r.OutputDir, job.Stream, r.Label, o.pub, watcher.Options{
			Quiet:   o.cfg.Quiet,
			Log:     o.log.With(slog.String("job_id", job.ID)),
			Metrics: o.metrics,
		})
		if err != nil {
			rlog.Error("arm watcher failed", slog.String("dir", r.OutputDir), slog.String("error", err.Error()))
			continue
		}
		job.addWatched(r)
		if o.metrics != nil {
			o.metrics.IncWatchersStarted()
		}
		rlog.Debug("watcher armed", slog.String("dir", w.Dir()))
		watchers = append(watchers, w)
	}
	return watchers
}

func (o *Orchestrator) publishMaster(ctx context.Context, job *Job) {
	body := hls.BuildMasterPlaylist(job.Stream, job.Renditions)
	if err := o.pub.PublishBytes(context.WithoutCancel(ctx), job.MasterKey, []byte(body)); err != nil {
		o.log.Error("master playlist publish failed",
			slog.String("job_id", job.ID),
			slog.String("key", job.MasterKey),
			slog.String("error", err.Error()))
		return
	}
	o.log.Info("master playlist published", slog.String("job_id", job.ID), slog.String("key", job.MasterKey))
}

// finish frees the stream name before marking the job stopped, so a caller
// woken by Done can immediately start the stream again.
func (o *Orchestrator) finish(job *Job) {
	o.registry.Release(job)
	job.markStopped()
	if o.metrics != nil {
		o.metrics.IncJobsStopped()
		o.metrics.SetActiveJobs(o.registry.ActiveCount())
	}
	o.log.Info("stream job stopped", slog.String("job_id", job.ID), slog.String("stream", string(job.Stream)))
}
