package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hls-publisher/internal/hls"
	"hls-publisher/internal/platform/logger"
	"hls-publisher/internal/platform/metrics"
	"hls-publisher/internal/publisher"
	"hls-publisher/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "outbox", "outbox.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("insert_and_list", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "a_720p_seg1.ts", Payload: []byte("one"), LastError: "timeout"}); err != nil {
			t.Fatal(err)
		}
		entries, err := s.List(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
		e := entries[0]
		if e.Namespace != "bis" || e.Key != "a_720p_seg1.ts" || string(e.Payload) != "one" || e.LastError != "timeout" {
			t.Errorf("unexpected entry: %+v", e)
		}
		if e.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
	})

	t.Run("same_key_overwrites", func(t *testing.T) {
		s := openTestStore(t)
		for _, payload := range []string{"v1", "v2"} {
			if err := s.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "a_playlist.m3u8", Payload: []byte(payload)}); err != nil {
				t.Fatal(err)
			}
		}
		entries, _ := s.List(ctx, 0)
		if len(entries) != 1 || string(entries[0].Payload) != "v2" {
			t.Errorf("expected single overwritten entry, got %+v", entries)
		}
	})

	t.Run("empty_key_rejected", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.Enqueue(ctx, publisher.Pending{Namespace: "bis"}); err == nil {
			t.Error("expected error for empty key")
		}
	})
}

func TestStore_MarkFailed_and_Delete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "k", Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkFailed(ctx, "bis", "k", errors.New("refused")); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.List(ctx, 0)
	if entries[0].Attempts != 1 || entries[0].LastError != "refused" {
		t.Errorf("unexpected entry after MarkFailed: %+v", entries[0])
	}

	if err := s.Delete(ctx, "bis", "k"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("expected empty outbox, got %d", n)
	}
}

func TestStore_List_limit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: k, Payload: []byte(k)}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}
	entries, err := s.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Key != "a" || entries[1].Key != "b" {
		t.Errorf("expected oldest two entries, got %+v", entries)
	}
}

type failingStore struct{ err error }

func (f failingStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	return f.err
}

func TestDrainer_DrainOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers_and_deletes", func(t *testing.T) {
		o := openTestStore(t)
		target := store.NewMemoryStore()
		_ = o.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "s_1080p_seg1.ts", Payload: []byte("ts")})
		_ = o.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "s_playlist.m3u8", Payload: []byte("#EXTM3U")})

		d := NewDrainer(o, target, time.Minute, logger.Discard(), metrics.New())
		n, err := d.DrainOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("expected 2 delivered, got %d", n)
		}
		if got, ok := target.Get("bis", "s_playlist.m3u8"); !ok || string(got) != "#EXTM3U" {
			t.Errorf("master playlist not redelivered: ok=%v", ok)
		}
		if c, _ := o.Count(ctx); c != 0 {
			t.Errorf("expected outbox empty, got %d", c)
		}
	})

	t.Run("failure_keeps_entry", func(t *testing.T) {
		o := openTestStore(t)
		_ = o.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "k", Payload: []byte("x")})

		d := NewDrainer(o, failingStore{err: errors.New("down")}, time.Minute, logger.Discard(), nil)
		n, err := d.DrainOnce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("expected nothing delivered, got %d", n)
		}
		entries, _ := o.List(ctx, 0)
		if len(entries) != 1 || entries[0].Attempts != 1 || entries[0].LastError != "down" {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})
}

func TestDrainer_Run_stops_on_cancel(t *testing.T) {
	o := openTestStore(t)
	target := store.NewMemoryStore()
	_ = o.Enqueue(context.Background(), publisher.Pending{Namespace: "bis", Key: "k", Payload: []byte("x")})

	d := NewDrainer(o, target, time.Hour, logger.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		if _, ok := target.Get("bis", "k"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial drain did not deliver")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// switchStore fails every put while down is set.
type switchStore struct {
	mem  *store.MemoryStore
	mu   sync.Mutex
	down bool
}

func (s *switchStore) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *switchStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	return s.mem.Put(ctx, namespace, key, value)
}

type countingLocker struct {
	mu    sync.Mutex
	locks map[string]int
}

func (l *countingLocker) LockKey(namespace, key string) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]int)
	}
	l.locks[store.FullKey(namespace, key)]++
	return func() {}
}

func TestStore_Get_and_Resolve(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "s_playlist.m3u8", Payload: []byte("v1")}); err != nil {
		t.Fatal(err)
	}

	e, ok, err := s.Get(ctx, "bis", "s_playlist.m3u8")
	if err != nil || !ok || string(e.Payload) != "v1" {
		t.Fatalf("Get: ok=%v err=%v entry=%+v", ok, err, e)
	}

	if err := s.Resolve(ctx, "bis", "s_playlist.m3u8"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Get(ctx, "bis", "s_playlist.m3u8"); err != nil || ok {
		t.Errorf("entry still present after Resolve: ok=%v err=%v", ok, err)
	}
	if err := s.Resolve(ctx, "bis", "missing"); err != nil {
		t.Errorf("Resolve of a missing key: %v", err)
	}
}

func TestDrainer_keeps_newer_direct_upload(t *testing.T) {
	ctx := context.Background()
	o := openTestStore(t)
	target := &switchStore{mem: store.NewMemoryStore()}
	disp := publisher.New(target, publisher.Config{Namespace: "bis", MaxAttempts: 1},
		publisher.WithLogger(logger.Discard()), publisher.WithOutbox(o))
	d := NewDrainer(o, target, time.Minute, logger.Discard(), nil, WithKeyLocker(disp))

	dir := t.TempDir()
	path := filepath.Join(dir, hls.DefaultPlaylistFilename)
	ev := hls.ArtifactEvent{Stream: "show", Rendition: "720p", FileName: hls.DefaultPlaylistFilename, Path: path}
	key := hls.KeyFor(ev)

	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	target.setDown(true)
	if err := disp.Upload(ctx, ev); err == nil {
		t.Fatal("expected upload to fail while the store is down")
	}
	if c, _ := o.Count(ctx); c != 1 {
		t.Fatalf("expected failed upload in outbox, got %d entries", c)
	}

	target.setDown(false)
	if err := os.WriteFile(path, []byte("v2-final"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := disp.Upload(ctx, ev); err != nil {
		t.Fatalf("upload after recovery: %v", err)
	}
	if c, _ := o.Count(ctx); c != 0 {
		t.Errorf("successful upload left %d outbox entries", c)
	}

	n, err := d.DrainOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected nothing redelivered, got %d", n)
	}
	if got, _ := target.mem.Get("bis", key); string(got) != "v2-final" {
		t.Errorf("store holds %q, want the newer upload", got)
	}
}

func TestDrainer_redelivers_current_entry_under_key_lock(t *testing.T) {
	ctx := context.Background()
	o := openTestStore(t)
	target := store.NewMemoryStore()
	locker := &countingLocker{}
	_ = o.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "s_720p_playlist.m3u8", Payload: []byte("old")})

	d := NewDrainer(o, target, time.Minute, logger.Discard(), nil, WithKeyLocker(locker))
	// A second failed write of the same key replaces the payload.
	_ = o.Enqueue(ctx, publisher.Pending{Namespace: "bis", Key: "s_720p_playlist.m3u8", Payload: []byte("new")})

	if n, err := d.DrainOnce(ctx); err != nil || n != 1 {
		t.Fatalf("DrainOnce: n=%d err=%v", n, err)
	}
	if got, _ := target.Get("bis", "s_720p_playlist.m3u8"); string(got) != "new" {
		t.Errorf("redelivered %q, want the latest payload", got)
	}
	if locker.locks["bis:s_720p_playlist.m3u8"] != 1 {
		t.Errorf("expected one key lock, got %v", locker.locks)
	}
}

func TestStore_implements_publisher_Outbox(t *testing.T) {
	var _ publisher.Outbox = (*Store)(nil)
}
