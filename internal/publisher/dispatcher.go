package publisher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hls-publisher/internal/hls"
	"hls-publisher/internal/platform/metrics"
	"hls-publisher/internal/store"
)

const (
	DefaultNamespace      = "bis"
	DefaultMaxConcurrent  = 16
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// ErrUnstableFile is returned when a file keeps changing size while it is read.
var ErrUnstableFile = errors.New("file still being written")

// Config tunes the dispatcher. Zero values select the defaults.
type Config struct {
	Namespace      string
	MaxConcurrent  int64
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.InitialBackoff {
			c.MaxBackoff = c.InitialBackoff
		}
	}
}

// Pending is an upload that exhausted its retries.
type Pending struct {
	Namespace string
	Key       string
	Payload   []byte
	LastError string
}

// Outbox keeps failed uploads for later delivery. Resolve drops the entry for
// a key once a newer write reached the store, so redelivery cannot replace it
// with older bytes.
type Outbox interface {
	Enqueue(ctx context.Context, p Pending) error
	Resolve(ctx context.Context, namespace, key string) error
}

// Listener is told about every artifact that reached the store.
type Listener interface {
	Published(ctx context.Context, ev hls.ArtifactEvent, key string)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMetrics records upload results on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithOutbox hands uploads that exhausted their retries to o.
func WithOutbox(o Outbox) Option {
	return func(d *Dispatcher) { d.outbox = o }
}

// WithListener adds a listener for successful uploads.
func WithListener(l Listener) Option {
	return func(d *Dispatcher) { d.listeners = append(d.listeners, l) }
}

// Dispatcher pushes detected artifacts to the remote store. Each Dispatch runs
// independently; a failure affects only the artifact that caused it.
type Dispatcher struct {
	store     store.Store
	cfg       Config
	sem       *semaphore.Weighted
	outbox    Outbox
	log       *slog.Logger
	metrics   *metrics.Metrics
	listeners []Listener
	keys      keyLocks

	mu       sync.RWMutex
	listenMu sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a Dispatcher over s.
func New(s store.Store, cfg Config, opts ...Option) *Dispatcher {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:  s,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Namespace returns the store namespace uploads are written to.
func (d *Dispatcher) Namespace() string { return d.cfg.Namespace }

// AddListener registers l for successful uploads.
func (d *Dispatcher) AddListener(l Listener) {
	d.listenMu.Lock()
	defer d.listenMu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Dispatch uploads ev in the background and returns immediately. It satisfies
// watcher.Sink.
func (d *Dispatcher) Dispatch(ev hls.ArtifactEvent) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.log.Warn("dispatcher closed, artifact dropped", slog.String("key", hls.KeyFor(ev)))
		return
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.wg.Done()
		key := hls.KeyFor(ev)
		unlock := d.LockKey(d.cfg.Namespace, key)
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			unlock()
			d.log.Warn("upload abandoned", slog.String("key", key), slog.String("error", err.Error()))
			return
		}
		// Errors are logged and counted inside upload.
		err := d.upload(d.ctx, ev, key)
		d.sem.Release(1)
		unlock()
		// Listeners run outside the upload slot so a slow consumer cannot hold
		// back other uploads.
		if err == nil {
			d.notify(d.ctx, ev, key)
		}
	}()
}

// LockKey serializes writes to one remote key. Uploads of the same key run one
// at a time, and outbox redelivery takes the same lock.
func (d *Dispatcher) LockKey(namespace, key string) (unlock func()) {
	return d.keys.lock(store.FullKey(namespace, key))
}

// Upload reads the artifact, derives its key, and pushes it, retrying
// transient failures. It blocks until the artifact is stored, handed to the
// outbox, or dropped, then notifies listeners of a successful upload.
func (d *Dispatcher) Upload(ctx context.Context, ev hls.ArtifactEvent) error {
	key := hls.KeyFor(ev)
	unlock := d.LockKey(d.cfg.Namespace, key)
	err := d.upload(ctx, ev, key)
	unlock()
	if err != nil {
		return err
	}
	d.notify(ctx, ev, key)
	return nil
}

// upload runs with the key lock held.
func (d *Dispatcher) upload(ctx context.Context, ev hls.ArtifactEvent, key string) error {
	start := time.Now()
	log := d.log.With(
		slog.String("stream", string(ev.Stream)),
		slog.String("rendition", ev.Rendition),
		slog.String("key", key),
	)

	data, err := d.readStable(ctx, ev.Path)
	if err != nil {
		log.Error("artifact read failed", slog.String("path", ev.Path), slog.String("error", err.Error()))
		d.observe(metrics.ResultReadErr, start)
		return fmt.Errorf("read %s: %w", ev.Path, err)
	}

	if err := d.push(ctx, log, key, data); err != nil {
		return err
	}

	log.Info("artifact uploaded", slog.Int("bytes", len(data)))
	d.observe(metrics.ResultSuccess, start)
	return nil
}

// PublishBytes pushes content that has no local file, such as the master
// playlist, through the same retry and outbox path.
func (d *Dispatcher) PublishBytes(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	log := d.log.With(slog.String("key", key))
	unlock := d.LockKey(d.cfg.Namespace, key)
	defer unlock()
	if err := d.push(ctx, log, key, data); err != nil {
		return err
	}
	log.Info("content published", slog.Int("bytes", len(data)))
	d.observe(metrics.ResultSuccess, start)
	return nil
}

func (d *Dispatcher) push(ctx context.Context, log *slog.Logger, key string, data []byte) error {
	start := time.Now()
	var lastErr error
	backoff := d.cfg.InitialBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.IncUploadRetries()
			}
			if err := d.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff = nextBackoff(backoff, d.cfg.MaxBackoff)
		}
		lastErr = d.store.Put(ctx, d.cfg.Namespace, key, data)
		if lastErr == nil {
			d.resolve(ctx, log, key)
			return nil
		}
		log.Warn("upload attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", d.cfg.MaxAttempts),
			slog.String("error", lastErr.Error()))
		if ctx.Err() != nil {
			break
		}
	}

	if d.outbox != nil {
		// The dispatcher context may already be cancelled during shutdown; the
		// outbox write must still happen.
		err := d.outbox.Enqueue(context.WithoutCancel(ctx), Pending{
			Namespace: d.cfg.Namespace,
			Key:       key,
			Payload:   data,
			LastError: lastErr.Error(),
		})
		if err == nil {
			log.Error("upload failed, moved to outbox", slog.String("error", lastErr.Error()))
			d.observe(metrics.ResultOutboxed, start)
			return fmt.Errorf("push %s: %w", key, lastErr)
		}
		log.Error("outbox enqueue failed", slog.String("error", err.Error()))
	}

	log.Error("upload failed, artifact dropped", slog.String("error", lastErr.Error()))
	d.observe(metrics.ResultPushErr, start)
	return fmt.Errorf("push %s: %w", key, lastErr)
}

// resolve clears any outbox entry left by an earlier failed write of key.
func (d *Dispatcher) resolve(ctx context.Context, log *slog.Logger, key string) {
	if d.outbox == nil {
		return
	}
	if err := d.outbox.Resolve(context.WithoutCancel(ctx), d.cfg.Namespace, key); err != nil {
		log.Warn("outbox resolve failed", slog.String("error", err.Error()))
	}
}

// readStable reads the whole file and checks the size did not move underneath
// the read, retrying while the producer is still writing.
func (d *Dispatcher) readStable(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	backoff := d.cfg.InitialBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = nextBackoff(backoff, d.cfg.MaxBackoff)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			lastErr = err
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if info.Size() != int64(len(data)) {
			lastErr = fmt.Errorf("%w: read %d bytes, file now %d", ErrUnstableFile, len(data), info.Size())
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

func (d *Dispatcher) notify(ctx context.Context, ev hls.ArtifactEvent, key string) {
	d.listenMu.RLock()
	listeners := d.listeners
	d.listenMu.RUnlock()
	for _, l := range listeners {
		l.Published(ctx, ev, key)
	}
}

func (d *Dispatcher) observe(result string, start time.Time) {
	if d.metrics != nil {
		d.metrics.ObserveUpload(result, time.Since(start))
	}
}

// Close stops accepting new artifacts and waits for in-flight uploads until ctx
// is done, after which remaining uploads are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
