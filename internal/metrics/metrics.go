// Package metrics holds the Prometheus instrumentation for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the message-plane engine.
type Metrics struct {
	// Scanner metrics
	ScanTicks        prometheus.Counter
	ScanDuration     prometheus.Histogram
	EntitiesScanned  prometheus.Counter
	MessagesUpserted prometheus.Counter
	MessagesResolved prometheus.Counter
	ScanErrors       *prometheus.CounterVec

	// Replay metrics
	ReplayTotal *prometheus.CounterVec

	// Client cache metrics
	CacheSize      prometheus.Gauge
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec

	// Broker call metrics
	BrokerCallDuration *prometheus.HistogramVec
	BrokerCallErrors   *prometheus.CounterVec

	// Store metrics
	StoreErrors prometheus.Counter
}

// New creates and registers all collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ScanTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicehub_scan_ticks_total",
			Help: "Total number of DLQ scan passes started",
		}),

		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "servicehub_scan_duration_seconds",
			Help:    "Duration of a full DLQ scan pass",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		EntitiesScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicehub_scan_entities_total",
			Help: "Total number of DLQ entities peeked by the scanner",
		}),

		MessagesUpserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicehub_scan_messages_upserted_total",
			Help: "Total number of tracked DLQ message upserts",
		}),

		MessagesResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicehub_scan_messages_resolved_total",
			Help: "Total number of tracked messages transitioned to Resolved",
		}),

		ScanErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_scan_errors_total",
			Help: "Scan failures, isolated per namespace",
		}, []string{"namespace"}),

		ReplayTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_replay_total",
			Help: "Replay attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),

		CacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "servicehub_client_cache_size",
			Help: "Number of live broker client wrappers",
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicehub_client_cache_hits_total",
			Help: "Cache lookups answered by a live wrapper",
		}),

		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicehub_client_cache_misses_total",
			Help: "Cache lookups that constructed a new wrapper",
		}),

		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_client_cache_evictions_total",
			Help: "Wrapper evictions by reason",
		}, []string{"reason"}), // reason: idle, invalidated, replaced, shutdown

		BrokerCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "servicehub_broker_call_duration_seconds",
			Help:    "Duration of broker SDK calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BrokerCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "servicehub_broker_call_errors_total",
			Help: "Broker SDK call failures by error kind",
		}, []string{"operation", "kind"}),

		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicehub_store_errors_total",
			Help: "Store write transactions rolled back",
		}),
	}
}

// RecordScan records one completed scan pass.
func (m *Metrics) RecordScan(duration time.Duration) {
	m.ScanTicks.Inc()
	m.ScanDuration.Observe(duration.Seconds())
}

// RecordScanError records an isolated per-namespace scan failure.
func (m *Metrics) RecordScanError(namespace string) {
	m.ScanErrors.WithLabelValues(namespace).Inc()
}

// RecordReplay records one replay attempt outcome.
func (m *Metrics) RecordReplay(strategy, outcome string) {
	m.ReplayTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordEviction records a wrapper eviction.
func (m *Metrics) RecordEviction(reason string) {
	m.CacheEvictions.WithLabelValues(reason).Inc()
}

// RecordBrokerCall records the duration and outcome of one SDK call.
func (m *Metrics) RecordBrokerCall(operation string, duration time.Duration, kind string) {
	m.BrokerCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if kind != "" {
		m.BrokerCallErrors.WithLabelValues(operation, kind).Inc()
	}
}

// RecordStoreError records a failed store write transaction.
func (m *Metrics) RecordStoreError() {
	m.StoreErrors.Inc()
}
