package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core platform metrics shared by every session.
// Domain components register their own metrics through the registry.
type Metrics struct {
	// Routing metrics
	SamplesRouted  *prometheus.CounterVec
	SamplesDropped *prometheus.CounterVec
	EntitiesActive *prometheus.GaugeVec

	// Query metrics
	QueriesTotal  *prometheus.CounterVec
	RepliesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// Recovery metrics
	MissesDetected   prometheus.Counter
	SamplesRecovered prometheus.Counter
	HeartbeatsSent   prometheus.Counter

	// Transport metrics
	TransportConnected  prometheus.Gauge
	TransportReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SamplesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "routing",
				Name:      "samples_total",
				Help:      "Total number of samples routed to subscribers",
			},
			[]string{"kind", "origin"},
		),

		SamplesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "routing",
				Name:      "samples_dropped_total",
				Help:      "Total number of samples dropped by overflowing sinks",
			},
			[]string{"entity"},
		),

		EntitiesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "keymesh",
				Subsystem: "session",
				Name:      "entities_active",
				Help:      "Number of currently declared entities",
			},
			[]string{"type"},
		),

		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "query",
				Name:      "total",
				Help:      "Total number of queries issued",
			},
			[]string{"target"},
		),

		RepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "query",
				Name:      "replies_total",
				Help:      "Total number of replies by consolidation outcome",
			},
			[]string{"result"},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "keymesh",
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Time from query issue to finalization in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"target"},
		),

		MissesDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "recovery",
				Name:      "misses_total",
				Help:      "Total number of sequence gaps detected",
			},
		),

		SamplesRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "recovery",
				Name:      "samples_recovered_total",
				Help:      "Total number of samples recovered from publisher caches",
			},
		),

		HeartbeatsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "recovery",
				Name:      "heartbeats_total",
				Help:      "Total number of sequence heartbeats announced",
			},
		),

		TransportConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "keymesh",
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Transport connection status (0=disconnected, 1=connected)",
			},
		),

		TransportReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keymesh",
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Total number of transport reconnections",
			},
		),
	}
}

// RecordSampleRouted increments the routed-sample counter
func (m *Metrics) RecordSampleRouted(kind, origin string) {
	m.SamplesRouted.WithLabelValues(kind, origin).Inc()
}

// RecordSampleDropped increments the dropped-sample counter for an entity
func (m *Metrics) RecordSampleDropped(entity string) {
	m.SamplesDropped.WithLabelValues(entity).Inc()
}

// RecordEntityCount updates the active-entity gauge for an entity type
func (m *Metrics) RecordEntityCount(entityType string, count int) {
	m.EntitiesActive.WithLabelValues(entityType).Set(float64(count))
}

// RecordQuery increments the query counter for a target policy
func (m *Metrics) RecordQuery(target string) {
	m.QueriesTotal.WithLabelValues(target).Inc()
}

// RecordReply increments the reply counter for a consolidation outcome
func (m *Metrics) RecordReply(result string) {
	m.RepliesTotal.WithLabelValues(result).Inc()
}

// RecordQueryDuration records the issue-to-finalize duration of a query
func (m *Metrics) RecordQueryDuration(target string, d time.Duration) {
	m.QueryDuration.WithLabelValues(target).Observe(d.Seconds())
}

// RecordMiss increments the detected-gap counter
func (m *Metrics) RecordMiss() {
	m.MissesDetected.Inc()
}

// RecordRecovered increments the recovered-sample counter
func (m *Metrics) RecordRecovered() {
	m.SamplesRecovered.Inc()
}

// RecordHeartbeat increments the heartbeat counter
func (m *Metrics) RecordHeartbeat() {
	m.HeartbeatsSent.Inc()
}

// RecordTransportStatus updates the transport connection gauge
func (m *Metrics) RecordTransportStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.TransportConnected.Set(value)
}

// RecordTransportReconnect increments the reconnection counter
func (m *Metrics) RecordTransportReconnect() {
	m.TransportReconnects.Inc()
}
