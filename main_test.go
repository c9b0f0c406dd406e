package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"notes-sync/config"
	"notes-sync/domain"
	"notes-sync/reconcile"
	"notes-sync/snapshot"
	"notes-sync/storage"
	"notes-sync/stream"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// An update published before the snapshot response arrives must survive the
// snapshot ingest.
func TestUpdateBeforeSnapshotConverges(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	release := make(chan struct{})
	notesAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = io.WriteString(w, `[{"noteId":"a","title":"A","content":"x","createdAt":"2024-01-01T00:00:00Z","status":"pending"}]`)
	}))
	t.Cleanup(notesAPI.Close)

	cfg := config.Default()
	cfg.Snapshot.URL = notesAPI.URL
	cfg.Stream.Transport = config.TransportRedis
	cfg.Redis.ConnectionString = mr.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := newBackend(ctx, cfg, nil, rc, nil)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	src, err := newSource(cfg, nil, rc)
	if err != nil {
		t.Fatalf("source: %v", err)
	}

	logger, _ := test.NewNullLogger()
	notes := reconcile.New(logger, nil)
	events := stream.New(src, notes, logger)
	events.Start(ctx)
	defer events.Cancel()

	waitFor(t, "subscription", func() bool {
		return mr.PubSubNumSub(cfg.Stream.Channel)[cfg.Stream.Channel] == 1
	})
	mr.Publish(cfg.Stream.Channel, `{"entityId":"a","entityType":"note","type":"note-updated","data":{"status":"done"}}`)
	mr.Publish(cfg.Stream.Channel, `{"entityId":"b","entityType":"note","type":"note-created","data":{"title":"B","body":"y"}}`)
	waitFor(t, "stream changes", func() bool {
		return notes.Pending() == 1 && len(notes.Snapshot().Notes) == 1
	})

	loadErr := make(chan error, 1)
	go func() { loadErr <- snapshot.NewLoader(store, notes, logger).Load(ctx) }()
	close(release)
	if err := <-loadErr; err != nil {
		t.Fatalf("load: %v", err)
	}

	view := notes.Snapshot()
	if !view.Loaded || len(view.Notes) != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Notes[0].ID != "a" || view.Notes[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", view.Notes)
	}
	if view.Notes[0].Status != domain.StatusDone || view.Notes[0].Body != "x" {
		t.Fatalf("buffered update lost: %+v", view.Notes[0])
	}
	if notes.Pending() != 0 {
		t.Fatalf("pending table should be drained, got %d", notes.Pending())
	}
}

// A reload from the cache must see the changes applied after it was filled.
func TestWriteThroughKeepsCachedSnapshotCurrent(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	var fetches atomic.Int32
	notesAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = io.WriteString(w, `[{"id":"n1","title":"A","createdAt":"2024-01-01T00:00:00Z","status":"pending"}]`)
	}))
	t.Cleanup(notesAPI.Close)

	cfg := config.Default()
	cfg.Snapshot.URL = notesAPI.URL
	cfg.Snapshot.CacheTTL = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := newBackend(ctx, cfg, nil, rc, nil)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	cache, ok := store.(*storage.Cache)
	if !ok {
		t.Fatalf("expected cached backend, got %T", store)
	}

	logger, _ := test.NewNullLogger()
	notes := reconcile.New(logger, nil)
	if err := snapshot.NewLoader(cache, notes, logger).Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		writeThrough(ctx, cache, notes, logger)
	}()

	status := domain.StatusDone
	notes.ApplyUpdated("n1", domain.NoteFields{Status: &status})
	notes.ApplyCreated(domain.Note{ID: "n2", Title: "B", Status: domain.StatusPending})

	reload := storage.NewCache(storage.NewClient(notesAPI.URL, nil), rc, cfg.Snapshot.CacheKey, cfg.Snapshot.CacheTTL)
	var reloaded []domain.Note
	waitFor(t, "cache refresh", func() bool {
		reloaded, err = reload.FetchNotes(ctx)
		return err == nil && len(reloaded) == 2 && reloaded[0].Status == domain.StatusDone
	})
	if reloaded[0].ID != "n1" || reloaded[1].ID != "n2" {
		t.Fatalf("unexpected cached order: %+v", reloaded)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected reloads to be served from the cache, got %d fetches", n)
	}

	cancel()
	<-done
}

func TestNewSourceByTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Stream.URL = "http://notes/stream"

	src, err := newSource(cfg, nil, nil)
	if err != nil {
		t.Fatalf("sse: %v", err)
	}
	if _, ok := src.(*stream.SSESource); !ok {
		t.Fatalf("expected SSE source, got %T", src)
	}

	cfg.Stream.Transport = config.TransportWebSocket
	cfg.Stream.InitMessage = `{"type":"connection_init"}`
	src, err = newSource(cfg, nil, nil)
	if err != nil {
		t.Fatalf("websocket: %v", err)
	}
	ws, ok := src.(*stream.WebSocketSource)
	if !ok || string(ws.InitMessage) != cfg.Stream.InitMessage {
		t.Fatalf("unexpected websocket source: %#v", src)
	}

	cfg.Stream.Transport = config.TransportRedis
	if _, err := newSource(cfg, nil, nil); err == nil {
		t.Fatal("redis transport requires a client")
	}
}

func TestNewInboundAuthOpenByDefault(t *testing.T) {
	a, err := newInboundAuth(config.Default().Inbound)
	if err != nil {
		t.Fatalf("inbound auth: %v", err)
	}
	if a != nil {
		t.Fatalf("expected open API, got %T", a)
	}
	a, err = newInboundAuth(config.Inbound{Mode: config.InboundHS256, SharedSecret: "s"})
	if err != nil || a == nil {
		t.Fatalf("expected shared secret auth, got %v %v", a, err)
	}
}

func TestStreamHealth(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := stream.New(&stream.SSESource{URL: "http://127.0.0.1:0"}, reconcile.New(logger, nil), logger)
	health := streamHealth(s)
	if err := health(); err != nil {
		t.Fatalf("unstarted stream should be healthy, got %v", err)
	}
	s.Cancel()
	if err := health(); err == nil {
		t.Fatal("ended stream must be reported")
	}
}
