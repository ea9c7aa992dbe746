package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"hls-publisher/internal/hls"
	"hls-publisher/internal/platform/metrics"
)

// DefaultQuiet is the write-quiescence window applied when Options.Quiet is negative.
const DefaultQuiet = 250 * time.Millisecond

// Sink receives detected artifacts. Dispatch must not block on upload work.
type Sink interface {
	Dispatch(ev hls.ArtifactEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev hls.ArtifactEvent)

// Dispatch implements Sink.
func (f SinkFunc) Dispatch(ev hls.ArtifactEvent) { f(ev) }

// Options tunes a Watcher.
type Options struct {
	// Quiet is how long a file must go without write notifications before it is
	// emitted. Zero emits on every notification; negative selects DefaultQuiet.
	Quiet   time.Duration
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Watcher observes one rendition directory (non-recursively) and emits an
// ArtifactEvent for every segment or playlist file created or written there.
type Watcher struct {
	fsw       *fsnotify.Watcher
	dir       string
	stream    hls.StreamName
	rendition string
	sink      Sink
	quiet     time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// New arms a watch on dir. The directory must exist. Events start queueing
// immediately; call Run to deliver them.
func New(dir string, stream hls.StreamName, rendition string, sink Sink, opts Options) (*Watcher, error) {
	if sink == nil {
		return nil, errors.New("watcher: sink is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	quiet := opts.Quiet
	if quiet < 0 {
		quiet = DefaultQuiet
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Watcher{
		fsw:       fsw,
		dir:       abs,
		stream:    stream,
		rendition: rendition,
		sink:      sink,
		quiet:     quiet,
		log:       log.With(slog.String("stream", string(stream)), slog.String("rendition", rendition)),
		metrics:   opts.Metrics,
	}, nil
}

// Dir returns the absolute path being watched.
func (w *Watcher) Dir() string { return w.dir }

// Close releases the watch without running. Run closes it itself.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run delivers events until ctx is cancelled, the watched directory goes away,
// or the underlying watcher closes. Files still inside their quiet window are
// emitted before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	// pending maps a file name to the end of its quiet window. One timer is
	// armed for the earliest deadline.
	pending := make(map[string]time.Time)
	timer := time.NewTimer(w.quiet)
	timer.Stop()
	defer timer.Stop()
	var wake <-chan time.Time

	flush := func() {
		for name := range pending {
			w.emit(name)
		}
		clear(pending)
	}

	w.log.Debug("watching rendition directory", slog.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				flush()
				return nil
			}
			if w.targetRemoved(ev) {
				w.log.Warn("watched directory removed", slog.String("dir", w.dir))
				flush()
				return nil
			}
			name, accept := w.accept(ev)
			if !accept {
				continue
			}
			if w.quiet == 0 {
				w.emit(name)
				continue
			}
			// A later write restarts the file's window.
			pending[name] = time.Now().Add(w.quiet)
			if wake == nil {
				timer.Reset(w.quiet)
				wake = timer.C
			}

		case now := <-wake:
			wake = nil
			if next := w.emitDue(pending, now); next > 0 {
				timer.Reset(next)
				wake = timer.C
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				flush()
				return nil
			}
			w.log.Error("watch error", slog.String("dir", w.dir), slog.String("error", err.Error()))
		}
	}
}

// emitDue emits every file whose quiet window ended by now and returns the
// wait until the next deadline, or zero when nothing is left pending.
func (w *Watcher) emitDue(pending map[string]time.Time, now time.Time) time.Duration {
	var next time.Duration
	for name, due := range pending {
		if !due.After(now) {
			delete(pending, name)
			w.emit(name)
			continue
		}
		if d := due.Sub(now); next == 0 || d < next {
			next = d
		}
	}
	return next
}

func (w *Watcher) targetRemoved(ev fsnotify.Event) bool {
	return filepath.Clean(ev.Name) == w.dir && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename))
}

// accept filters a raw notification down to a media artifact file name.
func (w *Watcher) accept(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return "", false
	}
	if ev.Name == "" {
		return "", false
	}
	name := filepath.Base(ev.Name)
	if !hls.IsArtifact(name) {
		return "", false
	}
	return name, true
}

func (w *Watcher) emit(name string) {
	ev := hls.ArtifactEvent{
		Stream:    w.stream,
		Rendition: w.rendition,
		FileName:  name,
		Path:      filepath.Join(w.dir, name),
	}
	if w.metrics != nil {
		w.metrics.IncArtifacts(hls.KindOf(name).String())
	}
	w.log.Debug("artifact detected", slog.String("file", name))
	w.sink.Dispatch(ev)
}
