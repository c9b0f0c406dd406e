// Package stream subscribes to the push channel and feeds decoded note
// changes to a sink until cancelled.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"notes-sync/domain"
)

// Source is a push channel transport. Subscribe delivers raw payloads in
// transport order and blocks until ctx is done (returning nil) or the
// connection fails.
type Source interface {
	Subscribe(ctx context.Context, deliver func(payload []byte)) error
}

// Sink receives validated changes.
type Sink interface {
	ApplyCreated(note domain.Note)
	ApplyUpdated(id string, fields domain.NoteFields)
}

// Stream runs one subscription. It does not reconnect.
type Stream struct {
	src    Source
	sink   Sink
	logger *log.Logger

	// mu serializes delivery with cancellation.
	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
	started   bool
	done      chan struct{}
	doneOnce  sync.Once
	err       error

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Stream.
func New(src Source, sink Sink, logger *log.Logger) *Stream {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Stream{src: src, sink: sink, logger: logger, done: make(chan struct{})}
}

// Start opens the subscription in a new goroutine. It is a no-op after the
// first call or after Cancel.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.cancelled {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *Stream) run(ctx context.Context) {
	defer s.finish()
	err := s.src.Subscribe(ctx, func(payload []byte) {
		s.deliver(ctx, payload)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("stream subscription failed")
	} else if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Debug("stream subscription ended")
	}
	s.mu.Lock()
	if ctx.Err() == nil {
		s.err = err
	}
	s.cancelled = true
	s.mu.Unlock()
}

func (s *Stream) deliver(ctx context.Context, payload []byte) {
	change, err := domain.DecodeChange(payload)
	if err != nil {
		s.dropped.Add(1)
		s.logger.WithError(err).WithField("bytes", len(payload)).Warn("dropping stream payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || ctx.Err() != nil {
		return
	}
	switch change.Kind {
	case domain.ChangeCreated:
		s.sink.ApplyCreated(change.Note)
	case domain.ChangeUpdated:
		s.sink.ApplyUpdated(change.ID, change.Fields)
	}
	s.delivered.Add(1)
}

// Cancel releases the subscription. Once Cancel returns no further change
// reaches the sink. It must not be called from within the sink.
func (s *Stream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started {
		s.finish()
		return
	}
	cancel()
	<-s.done
}

func (s *Stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed when the subscription has ended or was cancelled.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the connection error that ended the subscription, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the number of delivered and dropped payloads.
func (s *Stream) Stats() (delivered, dropped uint64) {
	return s.delivered.Load(), s.dropped.Load()
}
