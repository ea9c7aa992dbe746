package outbox

import (
	"context"
	"log/slog"
	"time"

	"hls-publisher/internal/platform/metrics"
	"hls-publisher/internal/store"
)

const (
	DefaultInterval  = 30 * time.Second
	defaultBatchSize = 100
)

// KeyLocker serializes writes to one remote key. publisher.Dispatcher
// implements it.
type KeyLocker interface {
	LockKey(namespace, key string) (unlock func())
}

// DrainerOption configures a Drainer.
type DrainerOption func(*Drainer)

// WithKeyLocker makes redelivery take the same per-key lock as direct
// uploads, so an entry is never written over a newer upload of its key.
func WithKeyLocker(l KeyLocker) DrainerOption {
	return func(d *Drainer) { d.locker = l }
}

// Drainer periodically redelivers outbox entries to the remote store.
type Drainer struct {
	outbox   *Store
	target   store.Store
	locker   KeyLocker
	interval time.Duration
	batch    int
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewDrainer builds a Drainer. A non-positive interval selects DefaultInterval.
func NewDrainer(o *Store, target store.Store, interval time.Duration, log *slog.Logger, m *metrics.Metrics, opts ...DrainerOption) *Drainer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Drainer{
		outbox:   o,
		target:   target,
		interval: interval,
		batch:    defaultBatchSize,
		log:      log,
		metrics:  m,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains once immediately, then every interval, until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("outbox drain failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce attempts one batch and returns how many entries were delivered.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	entries, err := d.outbox.List(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if d.redeliver(ctx, e.Namespace, e.Key) {
			delivered++
		}
	}

	if d.metrics != nil {
		if n, err := d.outbox.Count(ctx); err == nil {
			d.metrics.SetOutboxPending(n)
		}
	}
	return delivered, nil
}

// redeliver pushes the current entry for key. The entry is re-read under the
// key lock: a direct upload that succeeded since List has already resolved it.
func (d *Drainer) redeliver(ctx context.Context, namespace, key string) bool {
	if d.locker != nil {
		unlock := d.locker.LockKey(namespace, key)
		defer unlock()
	}
	log := d.log.With(slog.String("namespace", namespace), slog.String("key", key))

	e, ok, err := d.outbox.Get(ctx, namespace, key)
	if err != nil {
		log.Error("outbox read failed", slog.String("error", err.Error()))
		return false
	}
	if !ok {
		log.Debug("outbox entry superseded by a newer upload")
		return false
	}

	if err := d.target.Put(ctx, e.Namespace, e.Key, e.Payload); err != nil {
		log.Warn("outbox redelivery failed", slog.Int("attempts", e.Attempts+1), slog.String("error", err.Error()))
		if markErr := d.outbox.MarkFailed(ctx, e.Namespace, e.Key, err); markErr != nil {
			log.Error("outbox update failed", slog.String("error", markErr.Error()))
		}
		return false
	}
	if err := d.outbox.Delete(ctx, e.Namespace, e.Key); err != nil {
		log.Error("outbox delete failed", slog.String("error", err.Error()))
		return false
	}
	if d.metrics != nil {
		d.metrics.IncOutboxDrained()
	}
	log.Info("outbox entry delivered")
	return true
}
