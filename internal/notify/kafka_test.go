package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"hls-publisher/internal/hls"
	"hls-publisher/internal/platform/logger"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaNotifier_Published(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w, "bis", logger.Discard())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	ev := hls.ArtifactEvent{Stream: "mystream", Rendition: "720p", FileName: "mystream_720p_segment000.ts"}
	n.Published(context.Background(), ev, hls.KeyFor(ev))

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "mystream" {
		t.Errorf("message key: got %q", w.msgs[0].Key)
	}
	var got ArtifactMessage
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatal(err)
	}
	want := ArtifactMessage{
		Stream:    "mystream",
		Rendition: "720p",
		File:      "mystream_720p_segment000.ts",
		Key:       "mystream_720p_mystream_720p_segment000.ts",
		Namespace: "bis",
	}
	if !got.PublishedAt.Equal(fixed) {
		t.Errorf("published_at: got %v want %v", got.PublishedAt, fixed)
	}
	got.PublishedAt = time.Time{}
	if got != want {
		t.Errorf("payload: got %+v want %+v", got, want)
	}
}

func TestKafkaNotifier_Published_write_error(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	n := newKafkaNotifier(w, "bis", logger.Discard())
	// Must not panic or block; the failure is only logged.
	n.Published(context.Background(), hls.ArtifactEvent{Stream: "s", Rendition: "480p", FileName: "a.ts"}, "s_480p_a.ts")
	if len(w.msgs) != 0 {
		t.Errorf("unexpected messages: %d", len(w.msgs))
	}
}

func TestKafkaNotifier_Close(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w, "bis", nil)
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestNewKafkaNotifier_requires_brokers(t *testing.T) {
	if _, err := NewKafkaNotifier(nil, "", "bis", nil); err == nil {
		t.Error("expected error without brokers")
	}
	n, err := NewKafkaNotifier([]string{"localhost:9092"}, "", "bis", logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	kw, ok := n.writer.(*kafka.Writer)
	if !ok || kw.Topic != DefaultTopic {
		t.Errorf("expected default topic writer, got %+v", n.writer)
	}
}

func TestNewKafkaNotifier_partitions_by_stream(t *testing.T) {
	n, err := NewKafkaNotifier([]string{"localhost:9092"}, "", "bis", logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	kw := n.writer.(*kafka.Writer)
	if _, ok := kw.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("expected a key-hashing balancer, got %T", kw.Balancer)
	}

	partitions := []int{0, 1, 2, 3, 4, 5, 6, 7}
	want := kw.Balancer.Balance(kafka.Message{Key: []byte("show"), Value: []byte("1")}, partitions...)
	for i := 0; i < 20; i++ {
		msg := kafka.Message{Key: []byte("show"), Value: []byte{byte(i)}}
		if got := kw.Balancer.Balance(msg, partitions...); got != want {
			t.Fatalf("message %d for the same stream went to partition %d, want %d", i, got, want)
		}
	}
}
