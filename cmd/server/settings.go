package main

import (
	"fmt"
	"strings"
	"time"

	"hls-publisher/internal/hls"
	"hls-publisher/internal/notify"
	"hls-publisher/internal/orchestrator"
	"hls-publisher/internal/outbox"
	"hls-publisher/internal/platform/config"
	"hls-publisher/internal/publisher"
	"hls-publisher/internal/store"
	"hls-publisher/internal/transcoder"
	"hls-publisher/internal/watcher"
)

const (
	backendRedis  = "redis"
	backendMemory = "memory"

	defaultRedisAddr = "localhost:6379"
)

// settings is the process configuration gathered from the environment.
type settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	OutputRoot   string
	Namespace    string
	StoreBackend string
	Redis        store.RedisConfig

	LadderFile      string
	FFmpegPath      string
	VideoCodec      string
	AudioCodec      string
	GOPSize         int
	SegmentDuration int

	UploadConcurrency int
	UploadMaxAttempts int
	UploadBackoff     time.Duration
	UploadMaxBackoff  time.Duration

	WatchQuiet    time.Duration
	DrainDelay    time.Duration
	MasterPublish orchestrator.MasterPublish

	OutboxPath     string
	OutboxInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string
}

func loadSettings() settings {
	redisAddrs := config.GetEnvList("REDIS_ADDR")
	if len(redisAddrs) == 0 {
		redisAddrs = []string{defaultRedisAddr}
	}

	return settings{
		Port:      config.GetEnv("PORT", "8080"),
		LogLevel:  config.GetEnv("LOG_LEVEL", "info"),
		LogFormat: config.GetEnv("LOG_FORMAT", "json"),

		OutputRoot:   config.GetEnv("OUTPUT_ROOT", "."),
		Namespace:    config.GetEnv("CACHE_NAMESPACE", publisher.DefaultNamespace),
		StoreBackend: strings.ToLower(config.GetEnv("STORE_BACKEND", backendRedis)),
		Redis: store.RedisConfig{
			Addrs:    redisAddrs,
			Username: config.GetEnv("REDIS_USERNAME", ""),
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
			TTL:      config.GetEnvDuration("CACHE_TTL", store.DefaultTTL),
		},

		LadderFile:      config.GetEnv("LADDER_FILE", ""),
		FFmpegPath:      config.GetEnv("FFMPEG_PATH", transcoder.DefaultPath),
		VideoCodec:      config.GetEnv("VIDEO_CODEC", transcoder.DefaultVideoCodec),
		AudioCodec:      config.GetEnv("AUDIO_CODEC", transcoder.DefaultAudioCodec),
		GOPSize:         config.GetEnvInt("GOP_SIZE", transcoder.DefaultGOP),
		SegmentDuration: config.GetEnvInt("SEGMENT_DURATION", hls.DefaultSegmentDuration),

		UploadConcurrency: config.GetEnvInt("UPLOAD_CONCURRENCY", publisher.DefaultMaxConcurrent),
		UploadMaxAttempts: config.GetEnvInt("UPLOAD_MAX_ATTEMPTS", publisher.DefaultMaxAttempts),
		UploadBackoff:     config.GetEnvDuration("UPLOAD_BACKOFF", publisher.DefaultInitialBackoff),
		UploadMaxBackoff:  config.GetEnvDuration("UPLOAD_MAX_BACKOFF", publisher.DefaultMaxBackoff),

		WatchQuiet:    config.GetEnvDuration("WATCH_QUIET", watcher.DefaultQuiet),
		DrainDelay:    config.GetEnvDuration("DRAIN_DELAY", orchestrator.DefaultDrainDelay),
		MasterPublish: orchestrator.MasterPublish(strings.ToLower(config.GetEnv("MASTER_PUBLISH", string(orchestrator.MasterImmediate)))),

		OutboxPath:     config.GetEnv("OUTBOX_PATH", ""),
		OutboxInterval: config.GetEnvDuration("OUTBOX_INTERVAL", outbox.DefaultInterval),

		KafkaBrokers: config.GetEnvList("KAFKA_BROKERS"),
		KafkaTopic:   config.GetEnv("KAFKA_TOPIC", notify.DefaultTopic),
	}
}

func (s settings) validate() error {
	switch s.StoreBackend {
	case backendRedis:
		if len(s.Redis.Addrs) == 0 {
			return fmt.Errorf("REDIS_ADDR is required for the redis store backend")
		}
	case backendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want %s or %s)", s.StoreBackend, backendRedis, backendMemory)
	}
	switch s.MasterPublish {
	case orchestrator.MasterImmediate, orchestrator.MasterReady:
	default:
		return fmt.Errorf("unknown MASTER_PUBLISH %q (want %s or %s)", s.MasterPublish, orchestrator.MasterImmediate, orchestrator.MasterReady)
	}
	if s.SegmentDuration <= 0 {
		return fmt.Errorf("SEGMENT_DURATION must be positive, got %d", s.SegmentDuration)
	}
	return nil
}

// ladder returns the configured rendition ladder, falling back to the default.
func (s settings) ladder() (hls.Ladder, error) {
	if s.LadderFile == "" {
		return hls.DefaultLadder(), nil
	}
	return hls.LoadLadder(s.LadderFile)
}
