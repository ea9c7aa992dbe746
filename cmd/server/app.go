package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hls-publisher/internal/notify"
	"hls-publisher/internal/orchestrator"
	"hls-publisher/internal/outbox"
	"hls-publisher/internal/platform/logger"
	"hls-publisher/internal/platform/metrics"
	"hls-publisher/internal/publisher"
	"hls-publisher/internal/store"
	"hls-publisher/internal/transcoder"
)

const pingTimeout = 5 * time.Second

// app owns every long-lived component of the publisher and tears them down in
// dependency order.
type app struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	store      store.Store
	redis      *store.RedisStore
	outbox     *outbox.Store
	drainer    *outbox.Drainer
	notifier   *notify.KafkaNotifier
	dispatcher *publisher.Dispatcher
	orch       *orchestrator.Orchestrator

	drainCancel context.CancelFunc
	drainDone   chan struct{}
}

func newApp(ctx context.Context, cfg settings, log *slog.Logger, engine transcoder.Engine) (*app, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ladder, err := cfg.ladder()
	if err != nil {
		return nil, err
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}

	a := &app{log: log, metrics: metrics.New()}

	switch cfg.StoreBackend {
	case backendMemory:
		a.store = store.NewMemoryStore()
	default:
		rs, err := store.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		if err := rs.Ping(pingCtx); err != nil {
			// Uploads retry and fall back to the outbox, so an unreachable cache
			// at startup is not fatal.
			log.Warn("redis not reachable", slog.Any("addrs", cfg.Redis.Addrs), slog.String("error", err.Error()))
		}
		cancel()
		a.redis = rs
		a.store = rs
	}

	opts := []publisher.Option{
		publisher.WithLogger(logger.WithComponent(log, "publisher")),
		publisher.WithMetrics(a.metrics),
	}

	if cfg.OutboxPath != "" {
		ob, err := outbox.Open(cfg.OutboxPath)
		if err != nil {
			_ = a.closeStores()
			return nil, fmt.Errorf("outbox: %w", err)
		}
		a.outbox = ob
		opts = append(opts, publisher.WithOutbox(ob))
	}

	if len(cfg.KafkaBrokers) > 0 {
		n, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.Namespace, logger.WithComponent(log, "notify"))
		if err != nil {
			_ = a.closeStores()
			return nil, fmt.Errorf("kafka notifier: %w", err)
		}
		a.notifier = n
		opts = append(opts, publisher.WithListener(n))
	}

	a.dispatcher = publisher.New(a.store, publisher.Config{
		Namespace:      cfg.Namespace,
		MaxConcurrent:  int64(cfg.UploadConcurrency),
		MaxAttempts:    cfg.UploadMaxAttempts,
		InitialBackoff: cfg.UploadBackoff,
		MaxBackoff:     cfg.UploadMaxBackoff,
	}, opts...)

	if a.outbox != nil {
		a.drainer = outbox.NewDrainer(a.outbox, a.store, cfg.OutboxInterval,
			logger.WithComponent(log, "outbox"), a.metrics,
			outbox.WithKeyLocker(a.dispatcher))
	}

	a.orch = orchestrator.New(orchestrator.Config{
		OutputRoot:      cfg.OutputRoot,
		Ladder:          ladder,
		SegmentDuration: cfg.SegmentDuration,
		Quiet:           cfg.WatchQuiet,
		DrainDelay:      cfg.DrainDelay,
		MasterPublish:   cfg.MasterPublish,
	}, engine, a.dispatcher,
		orchestrator.WithLogger(logger.WithComponent(log, "orchestrator")),
		orchestrator.WithMetrics(a.metrics))

	return a, nil
}

// newEngine builds the ffmpeg engine from settings.
func newEngine(cfg settings, log *slog.Logger) *transcoder.FFmpeg {
	return &transcoder.FFmpeg{
		Path:       cfg.FFmpegPath,
		VideoCodec: cfg.VideoCodec,
		AudioCodec: cfg.AudioCodec,
		GOP:        cfg.GOPSize,
		Log:        logger.WithComponent(log, "ffmpeg"),
	}
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(a.log))
	r.Use(metrics.RequestMiddleware(a.metrics))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", a.metrics.Handler(func() {
		a.metrics.SetActiveJobs(a.orch.ActiveCount())
	}).ServeHTTP)

	orchestrator.NewHandler(a.orch, logger.WithComponent(a.log, "intake")).Mount(r)
	return r
}

// start launches background workers.
func (a *app) start() {
	if a.drainer == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.drainCancel = cancel
	a.drainDone = make(chan struct{})
	go func() {
		defer close(a.drainDone)
		_ = a.drainer.Run(ctx)
	}()
}

// shutdown stops jobs, lets in-flight uploads finish, then closes the outbox
// and the store.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop jobs: %w", err))
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain uploads: %w", err))
	}
	if a.drainCancel != nil {
		a.drainCancel()
		<-a.drainDone
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
		}
	}
	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) closeStores() error {
	var errs []error
	if a.outbox != nil {
		if err := a.outbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close outbox: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
