package daemon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/devboard/internal/model"
	"github.com/g960059/devboard/internal/session"
)

// Metrics implements session.Observer and exposes registry-level gauges. One
// instance per daemon; counters are never reset.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devboard",
			Name:      "sessions_started_total",
			Help:      "Engine sessions launched, by engine.",
		}, []string{"engine"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devboard",
			Name:      "sessions_finished_total",
			Help:      "Engine sessions reaching a terminal state, by engine and state.",
		}, []string{"engine", "state"}),
	}
	m.registry.MustRegister(m.sessionsStarted, m.sessionsFinished)
	return m
}

func (m *Metrics) SessionStarted(engineName string) {
	m.sessionsStarted.WithLabelValues(engineName).Inc()
}

func (m *Metrics) SessionFinished(engineName string, state model.SessionState) {
	m.sessionsFinished.WithLabelValues(engineName, string(state)).Inc()
}

// Registry returns the prometheus registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSessions registers gauges read live from the session registry.
func (m *Metrics) ObserveSessions(sessions *session.Registry) {
	m.registry.MustRegister(newSessionCollector(sessions))
}

// sessionCollector snapshots the session registry at scrape time instead of
// tracking increments, so gauges never drift from registry state.
type sessionCollector struct {
	sessions *session.Registry

	byState        *prometheus.Desc
	streamEntries  *prometheus.Desc
	suppressed     *prometheus.Desc
	droppedSubs    *prometheus.Desc
	truncatedTails *prometheus.Desc
}

func newSessionCollector(sessions *session.Registry) *sessionCollector {
	return &sessionCollector{
		sessions: sessions,
		byState: prometheus.NewDesc(
			"devboard_sessions",
			"Sessions currently held by the registry, by state.",
			[]string{"state"}, nil),
		streamEntries: prometheus.NewDesc(
			"devboard_stream_entries_total",
			"Log entries accepted into session stream buffers.",
			nil, nil),
		suppressed: prometheus.NewDesc(
			"devboard_stream_suppressed_total",
			"Log entries suppressed as duplicates.",
			nil, nil),
		droppedSubs: prometheus.NewDesc(
			"devboard_stream_dropped_subscribers_total",
			"Stream subscribers dropped for falling behind.",
			nil, nil),
		truncatedTails: prometheus.NewDesc(
			"devboard_stream_truncated_tails_total",
			"Replay requests that lost leading entries to the buffer bound.",
			nil, nil),
	}
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byState
	ch <- c.streamEntries
	ch <- c.suppressed
	ch <- c.droppedSubs
	ch <- c.truncatedTails
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.sessions.CountByState() {
		ch <- prometheus.MustNewConstMetric(c.byState, prometheus.GaugeValue, float64(n), string(state))
	}
	stats := c.sessions.Stats()
	ch <- prometheus.MustNewConstMetric(c.streamEntries, prometheus.CounterValue, float64(stats.Entries.Load()))
	ch <- prometheus.MustNewConstMetric(c.suppressed, prometheus.CounterValue, float64(stats.Suppressed.Load()))
	ch <- prometheus.MustNewConstMetric(c.droppedSubs, prometheus.CounterValue, float64(stats.DroppedSubs.Load()))
	ch <- prometheus.MustNewConstMetric(c.truncatedTails, prometheus.CounterValue, float64(stats.TruncatedTails.Load()))
}
