package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "notes"

// Metrics exposes reconciliation counters. A nil *Metrics records nothing.
type Metrics struct {
	createdTotal    prometheus.Counter
	duplicatesTotal prometheus.Counter
	updatedTotal    prometheus.Counter
	bufferedTotal   prometheus.Counter
	replayedTotal   prometheus.Counter
	pendingIDs      prometheus.Gauge
	collectionSize  prometheus.Gauge
}

// NewMetrics creates the reconciliation metrics and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		createdTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconcile",
			Name:      "created_total",
			Help:      "Notes inserted into the collection.",
		}),
		duplicatesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconcile",
			Name:      "duplicates_suppressed_total",
			Help:      "Creations ignored because the note was already present.",
		}),
		updatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconcile",
			Name:      "updates_applied_total",
			Help:      "Updates applied directly to a present note.",
		}),
		bufferedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconcile",
			Name:      "updates_buffered_total",
			Help:      "Updates buffered for a note not yet created.",
		}),
		replayedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconcile",
			Name:      "updates_replayed_total",
			Help:      "Buffered updates replayed on note creation.",
		}),
		pendingIDs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconcile",
			Name:      "pending_ids",
			Help:      "Note ids with buffered updates. Never evicted.",
		}),
		collectionSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconcile",
			Name:      "collection_size",
			Help:      "Notes currently in the collection.",
		}),
	}
}

func (m *Metrics) created(replayed, pending, size int) {
	if m == nil {
		return
	}
	m.createdTotal.Inc()
	m.replayedTotal.Add(float64(replayed))
	m.pendingIDs.Set(float64(pending))
	m.collectionSize.Set(float64(size))
}

func (m *Metrics) duplicateSuppressed() {
	if m == nil {
		return
	}
	m.duplicatesTotal.Inc()
}

func (m *Metrics) updateApplied() {
	if m == nil {
		return
	}
	m.updatedTotal.Inc()
}

func (m *Metrics) updateBuffered(pending int) {
	if m == nil {
		return
	}
	m.bufferedTotal.Inc()
	m.pendingIDs.Set(float64(pending))
}
