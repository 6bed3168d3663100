package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/commons-photos/internal/progress"
)

// PrometheusSink exports session-level overlay metrics via Prometheus. It
// owns the collectors for sessions started/active, session lifetime, viewport
// changes and per-query yield.
type PrometheusSink struct {
	sessionsStarted prometheus.Counter
	sessionsActive  prometheus.Gauge
	sessionLifetime prometheus.Histogram
	viewportChanges *prometheus.CounterVec
	queryRows       *prometheus.HistogramVec

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overlay_sessions_started_total",
			Help: "Total overlay sessions that attached to a map.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_sessions_active",
			Help: "Overlay sessions seen attaching and not yet detached.",
		}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_session_lifetime_seconds",
			Help:    "Wall time between attach and detach.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),
		viewportChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_viewport_changes_total",
			Help: "Viewport changes partitioned by whether they issued a query.",
		}, []string{"fetching"}),
		queryRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "overlay_query_rows",
			Help:    "Geosearch rows returned per fulfilled query, split into rows and new photos.",
			Buckets: []float64{0, 1, 5, 10, 20, 40, 60, 100, 250, 500},
		}, []string{"kind"}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsActive,
		s.sessionLifetime,
		s.viewportChanges,
		s.queryRows,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageAttach:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.OverlayID) {
			s.sessionsActive.Inc()
		}
	case progress.StageViewport:
		label := "false"
		if evt.Fetching {
			label = "true"
		}
		s.viewportChanges.WithLabelValues(label).Inc()
	case progress.StageQueryDone:
		if evt.Outcome != progress.OutcomeFulfilled {
			return
		}
		s.queryRows.WithLabelValues("rows").Observe(float64(evt.Rows))
		s.queryRows.WithLabelValues("added").Observe(float64(evt.Added))
	case progress.StageDetach:
		if s.tracker.complete(evt.OverlayID) {
			s.sessionsActive.Dec()
		}
		if evt.Dur > 0 {
			s.sessionLifetime.Observe(evt.Dur.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu     sync.Mutex
	active map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{active: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
