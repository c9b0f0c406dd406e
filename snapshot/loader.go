// Package snapshot performs the one-shot bulk fetch of the notes collection.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"notes-sync/domain"
)

const (
	tracerName = "notes-sync/snapshot"
	spanName   = "notes.snapshot.load"

	attrCount = "notes.snapshot.count"
)

// ErrAlreadyLoaded is returned when Load is invoked more than once.
var ErrAlreadyLoaded = errors.New("snapshot already loaded")

// Fetcher returns the full current collection, oldest first.
type Fetcher interface {
	FetchNotes(ctx context.Context) ([]domain.Note, error)
}

// Sink receives the fetched collection.
type Sink interface {
	IngestSnapshot(notes []domain.Note)
}

// Loader fetches the snapshot at most once and hands it to the sink.
type Loader struct {
	fetcher Fetcher
	sink    Sink
	logger  *log.Logger
	started atomic.Bool
}

// NewLoader creates a Loader.
func NewLoader(fetcher Fetcher, sink Sink, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Loader{fetcher: fetcher, sink: sink, logger: logger}
}

// Load fetches the snapshot and delivers it to the sink. A failed fetch is
// logged and returned; the sink is left untouched. Only the first call
// fetches, later calls return ErrAlreadyLoaded.
func (l *Loader) Load(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyLoaded
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	notes, err := l.fetcher.FetchNotes(ctx)
	elapsed := durationToMillis(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		l.logger.WithError(err).WithField("fetch_ms", elapsed).Error("snapshot fetch failed")
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	span.SetAttributes(attribute.Int(attrCount, len(notes)))
	l.sink.IngestSnapshot(notes)
	span.SetStatus(codes.Ok, "")
	l.logger.WithFields(log.Fields{
		"notes":    len(notes),
		"fetch_ms": elapsed,
	}).Info("snapshot loaded")
	return nil
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
