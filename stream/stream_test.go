package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"notes-sync/domain"
)

type recordingSink struct {
	mu      sync.Mutex
	created []domain.Note
	updated []string
}

func (s *recordingSink) ApplyCreated(n domain.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, n)
}

func (s *recordingSink) ApplyUpdated(id string, _ domain.NoteFields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, id)
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created), len(s.updated)
}

// manualSource hands the deliver func to the test and blocks until cancelled
// or failed.
type manualSource struct {
	ready   chan func([]byte)
	failure chan error
}

func newManualSource() *manualSource {
	return &manualSource{ready: make(chan func([]byte), 1), failure: make(chan error, 1)}
}

func (m *manualSource) Subscribe(ctx context.Context, deliver func([]byte)) error {
	m.ready <- deliver
	select {
	case <-ctx.Done():
		return nil
	case err := <-m.failure:
		return err
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const (
	createdPayload = `{"entityId":"n1","entityType":"note","type":"note-created","data":{"title":"t"}}`
	updatedPayload = `{"entityId":"n1","entityType":"note","type":"note-updated","data":{"status":"done"}}`
)

func startManual(t *testing.T) (*Stream, *recordingSink, func([]byte), *test.Hook, *manualSource) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	src := newManualSource()
	sink := &recordingSink{}
	s := New(src, sink, logger)
	s.Start(context.Background())
	var deliver func([]byte)
	select {
	case deliver = <-src.ready:
	case <-time.After(time.Second):
		t.Fatal("source not subscribed")
	}
	return s, sink, deliver, hook, src
}

func TestStreamDeliversDecodedChanges(t *testing.T) {
	s, sink, deliver, _, _ := startManual(t)
	defer s.Cancel()

	deliver([]byte(createdPayload))
	deliver([]byte(updatedPayload))

	created, updated := sink.counts()
	if created != 1 || updated != 1 {
		t.Fatalf("expected one created and one updated, got %d/%d", created, updated)
	}
	if sink.created[0].ID != "n1" {
		t.Fatalf("unexpected note %+v", sink.created[0])
	}
	if delivered, dropped := s.Stats(); delivered != 2 || dropped != 0 {
		t.Fatalf("unexpected stats delivered=%d dropped=%d", delivered, dropped)
	}
}

func TestStreamDropsMalformedPayloads(t *testing.T) {
	s, sink, deliver, hook, _ := startManual(t)
	defer s.Cancel()

	deliver(nil)
	deliver([]byte("{"))
	deliver([]byte(`{"type":"note-created","data":{"title":"no id"}}`))
	deliver([]byte(createdPayload))

	created, updated := sink.counts()
	if created != 1 || updated != 0 {
		t.Fatalf("expected only the valid change, got %d/%d", created, updated)
	}
	if _, dropped := s.Stats(); dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			warnings++
			if err, _ := e.Data[log.ErrorKey].(error); !errors.Is(err, domain.ErrMalformedEvent) {
				t.Fatalf("expected malformed error, got %v", e.Data[log.ErrorKey])
			}
		}
	}
	if warnings != 3 {
		t.Fatalf("expected 3 warnings, got %d", warnings)
	}
}

func TestStreamCancelStopsDelivery(t *testing.T) {
	s, sink, deliver, _, _ := startManual(t)
	deliver([]byte(createdPayload))

	s.Cancel()
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done to be closed after Cancel")
	}

	deliver([]byte(updatedPayload))
	created, updated := sink.counts()
	if created != 1 || updated != 0 {
		t.Fatalf("no change may reach the sink after Cancel, got %d/%d", created, updated)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStreamParentContextCancelStopsDelivery(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := newManualSource()
	sink := &recordingSink{}
	s := New(src, sink, logger)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	deliver := <-src.ready

	cancel()
	<-s.Done()
	deliver([]byte(createdPayload))
	if created, _ := sink.counts(); created != 0 {
		t.Fatalf("expected no delivery after cancel, got %d", created)
	}
}

func TestStreamReportsConnectionError(t *testing.T) {
	s, _, _, hook, src := startManual(t)
	connErr := errors.New("connection reset")
	src.failure <- connErr

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}
	if !errors.Is(s.Err(), connErr) {
		t.Fatalf("expected connection error, got %v", s.Err())
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error log entry, got %+v", entry)
	}
	s.Cancel()
}

func TestStreamCancelBeforeStart(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := newManualSource()
	s := New(src, &recordingSink{}, logger)
	s.Cancel()
	s.Start(context.Background())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done after Cancel")
	}
	select {
	case <-src.ready:
		t.Fatal("source must not be subscribed after Cancel")
	default:
	}
}
