package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"hls-publisher/internal/hls"
)

const (
	DefaultTopic        = "hls-artifacts"
	defaultWriteTimeout = 5 * time.Second
)

// messageWriter is the part of kafka.Writer the notifier needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ArtifactMessage is the JSON body published for every stored artifact.
type ArtifactMessage struct {
	Stream      string    `json:"stream"`
	Rendition   string    `json:"rendition"`
	File        string    `json:"file"`
	Key         string    `json:"key"`
	Namespace   string    `json:"namespace"`
	PublishedAt time.Time `json:"published_at"`
}

// KafkaNotifier announces uploaded artifacts on a Kafka topic, keyed by stream
// so each stream's messages stay ordered within a partition.
type KafkaNotifier struct {
	writer    messageWriter
	namespace string
	timeout   time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewKafkaNotifier builds a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic, namespace string, log *slog.Logger) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, errors.New("notify: at least one kafka broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaNotifier(w, namespace, log), nil
}

func newKafkaNotifier(w messageWriter, namespace string, log *slog.Logger) *KafkaNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaNotifier{
		writer:    w,
		namespace: namespace,
		timeout:   defaultWriteTimeout,
		log:       log,
		now:       time.Now,
	}
}

// Published implements publisher.Listener. Failures are logged only.
func (n *KafkaNotifier) Published(ctx context.Context, ev hls.ArtifactEvent, key string) {
	msg := ArtifactMessage{
		Stream:      string(ev.Stream),
		Rendition:   ev.Rendition,
		File:        ev.FileName,
		Key:         key,
		Namespace:   n.namespace,
		PublishedAt: n.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		n.log.Error("encode artifact notification", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Stream),
		Value: payload,
	}); err != nil {
		n.log.Warn("kafka publish failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	n.log.Debug("kafka published", slog.String("key", key))
}

// Close flushes pending messages and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
