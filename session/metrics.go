package session

import "github.com/prometheus/client_golang/prometheus"

// metrics for the coordinator. Registration is optional so tests can build
// many coordinators in one process; a nil *metrics is a valid no-op sink.
type metrics struct {
	heartbeats *prometheus.CounterVec
	refreshes  *prometheus.CounterVec
	feedEvents prometheus.Counter
	rosterSize prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicesync",
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Number of heartbeat upserts, by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicesync",
			Subsystem: "session",
			Name:      "roster_refreshes_total",
			Help:      "Number of roster refreshes, by result.",
		}, []string{"result"}),
		feedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicesync",
			Subsystem: "session",
			Name:      "feed_events_total",
			Help:      "Number of change-feed signals folded into the loop.",
		}),
		rosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicesync",
			Subsystem: "session",
			Name:      "roster_size",
			Help:      "Participants in the current roster.",
		}),
	}
	prometheus.MustRegister(m.heartbeats, m.refreshes, m.feedEvents, m.rosterSize)
	return m
}

func (m *metrics) heartbeat(ok bool) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result(ok)).Inc()
}

func (m *metrics) refresh(ok bool) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(ok)).Inc()
}

func (m *metrics) feedEvent() {
	if m == nil {
		return
	}
	m.feedEvents.Inc()
}

func (m *metrics) roster(n int) {
	if m == nil {
		return
	}
	m.rosterSize.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
