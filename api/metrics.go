package api

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

type requestMetrics struct {
	logger         *log.Logger
	method         string
	route          string
	start          time.Time
	authDuration   time.Duration
	encodeDuration time.Duration
	dedupeDuration time.Duration
	dispatch       string
	notesReturned  int
	version        uint64
	errorStage     string
}

func newRequestMetrics(logger *log.Logger, method, route string) *requestMetrics {
	return &requestMetrics{logger: logger, method: method, route: route, start: time.Now()}
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *requestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *requestMetrics) ObserveDedupe(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.dedupeDuration = duration
}

// SetDispatch records how a create was handed off: queued or inline.
func (m *requestMetrics) SetDispatch(mode string) {
	m.dispatch = mode
}

func (m *requestMetrics) SetView(notes int, version uint64) {
	if notes < 0 {
		notes = 0
	}
	m.notesReturned = notes
	m.version = version
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"method":   m.method,
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.method == http.MethodGet {
		fields["notes_returned"] = m.notesReturned
		fields["view_version"] = m.version
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.dedupeDuration > 0 {
		fields["dedupe_ms"] = durationToMillis(m.dedupeDuration)
	}
	if m.dispatch != "" {
		fields["dispatch"] = m.dispatch
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("notes.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
