// Package reconcile merges the bulk snapshot and the live change stream into a
// single duplicate-free notes collection.
//
// Creation is idempotent per note id, and updates that arrive before the note
// is known are buffered and replayed on insertion, so the resulting per-note
// state does not depend on the order in which the two sources deliver.
package reconcile

import (
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"notes-sync/domain"
)

// View is an immutable rendering of the collection, newest first.
type View struct {
	// Loaded is false until a snapshot was ingested or a change was applied.
	Loaded  bool          `json:"loaded"`
	Version uint64        `json:"version"`
	Notes   []domain.Note `json:"notes"`
}

// Reconciler owns the notes collection and the pending-updates table. All
// methods are safe for concurrent use and execute under one mutex.
type Reconciler struct {
	mu    sync.Mutex
	notes map[string]*domain.Note
	// order holds ids oldest first; views are rendered in reverse.
	order []string
	// pending holds updates for ids not yet created, in arrival order.
	// Entries for ids that are never created are kept forever.
	pending  map[string][]domain.NoteFields
	ingested bool
	loaded   bool
	version  uint64
	view     View

	subs    *broker
	metrics *Metrics
	logger  *log.Logger
}

// New creates an empty Reconciler. metrics may be nil.
func New(logger *log.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{
		notes:   make(map[string]*domain.Note),
		pending: make(map[string][]domain.NoteFields),
		view:    View{Notes: []domain.Note{}},
		subs:    newBroker(),
		metrics: metrics,
		logger:  logger,
	}
}

// IngestSnapshot applies the creation rule to every note in order. It must be
// called at most once; a repeated call is logged and otherwise applied as is.
func (r *Reconciler) IngestSnapshot(notes []domain.Note) {
	r.mu.Lock()
	repeated := r.ingested
	r.ingested = true
	var inserted, replayed int
	for _, note := range notes {
		if ok, n := r.insert(note); ok {
			inserted++
			replayed += n
		}
	}
	r.loaded = true
	r.publish()
	r.mu.Unlock()

	entry := r.logger.WithFields(log.Fields{
		"received": len(notes),
		"inserted": inserted,
		"replayed": replayed,
	})
	if repeated {
		entry.Warn("snapshot ingested more than once")
		return
	}
	entry.Debug("snapshot ingested")
}

// ApplyCreated inserts note as the newest entry unless its id is already
// present, in which case the existing entry is left untouched.
func (r *Reconciler) ApplyCreated(note domain.Note) {
	r.mu.Lock()
	inserted, replayed := r.insert(note)
	if inserted {
		r.loaded = true
		r.publish()
	}
	r.mu.Unlock()

	entry := r.logger.WithField("note", note.ID)
	if !inserted {
		entry.Debug("duplicate creation ignored")
		return
	}
	entry.WithField("replayed", replayed).Debug("note created")
}

// ApplyUpdated replaces the carried fields of the note with the given id, or
// buffers the update until that note is created.
func (r *Reconciler) ApplyUpdated(id string, fields domain.NoteFields) {
	r.mu.Lock()
	n, ok := r.notes[id]
	if ok {
		fields.Apply(n)
		r.loaded = true
		r.metrics.updateApplied()
		r.publish()
	} else {
		r.pending[id] = append(r.pending[id], fields)
		r.metrics.updateBuffered(len(r.pending))
	}
	r.mu.Unlock()

	entry := r.logger.WithField("note", id)
	if !ok {
		entry.Debug("update buffered for unknown note")
		return
	}
	entry.Debug("note updated")
}

// Snapshot returns the current view. The returned slice is a copy.
func (r *Reconciler) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cloneView()
}

// Pending returns the number of note ids with buffered updates.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Subscribe registers an observer. The current view is delivered immediately
// and a fresh one after every change; a slow observer only sees the latest
// view. Views received from the channel are shared and must not be modified.
// The returned func unsubscribes and closes the channel.
func (r *Reconciler) Subscribe() (<-chan View, func()) {
	r.mu.Lock()
	ch := r.subs.subscribe()
	r.subs.send(ch, r.cloneView())
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { r.subs.unsubscribe(ch) })
	}
}

// insert must be called with r.mu held. It reports whether the note was new
// and how many buffered updates were replayed onto it.
func (r *Reconciler) insert(note domain.Note) (bool, int) {
	if _, exists := r.notes[note.ID]; exists {
		r.metrics.duplicateSuppressed()
		return false, 0
	}
	n := note
	buffered := r.pending[note.ID]
	for _, f := range buffered {
		f.Apply(&n)
	}
	delete(r.pending, note.ID)
	r.notes[note.ID] = &n
	r.order = append(r.order, note.ID)
	r.metrics.created(len(buffered), len(r.pending), len(r.order))
	return true, len(buffered)
}

// publish must be called with r.mu held.
func (r *Reconciler) publish() {
	r.version++
	notes := make([]domain.Note, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		notes = append(notes, *r.notes[r.order[i]])
	}
	r.view = View{Loaded: r.loaded, Version: r.version, Notes: notes}
	r.subs.publish(r.view)
}

func (r *Reconciler) cloneView() View {
	v := r.view
	v.Notes = slices.Clone(r.view.Notes)
	return v
}
