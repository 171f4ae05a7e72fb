// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "multiproxy"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectLatency    *prometheus.HistogramVec
	AuthFailures      *prometheus.CounterVec
	RemoteDialErrors  *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec
	PanicsRecovered   prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the global
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for tests that need isolation.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections, by protocol",
		}, []string{"protocol"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections accepted, by protocol and outcome",
		}, []string{"protocol", "outcome"}),
		ConnectLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time from accept to a successful or failed handshake decision",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Authentication failures, by protocol",
		}, []string{"protocol"}),
		RemoteDialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_dial_errors_total",
			Help:      "Remote connect failures, by protocol",
		}, []string{"protocol"}),
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Bytes relayed through the tunnel pump, by protocol and direction",
		}, []string{"protocol", "direction"}),
		PanicsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Panics recovered in connection handler goroutines",
		}),
	}
}

// RecordAccept records a newly accepted connection for protocol.
func (m *Metrics) RecordAccept(protocol string) {
	m.ConnectionsActive.WithLabelValues(protocol).Inc()
}

// RecordClosed records a connection closing with a known outcome
// ("success", "protocol_error", "auth_failure", "dial_error", "cancelled").
func (m *Metrics) RecordClosed(protocol, outcome string) {
	m.ConnectionsActive.WithLabelValues(protocol).Dec()
	m.ConnectionsTotal.WithLabelValues(protocol, outcome).Inc()
}

// RecordHandshakeLatency records the time taken to decide a handshake.
func (m *Metrics) RecordHandshakeLatency(protocol string, seconds float64) {
	m.ConnectLatency.WithLabelValues(protocol).Observe(seconds)
}

// RecordAuthFailure records an authentication failure for protocol.
func (m *Metrics) RecordAuthFailure(protocol string) {
	m.AuthFailures.WithLabelValues(protocol).Inc()
}

// RecordDialError records a remote connect failure for protocol.
func (m *Metrics) RecordDialError(protocol string) {
	m.RemoteDialErrors.WithLabelValues(protocol).Inc()
}

// RecordBytes records bytes relayed by the tunnel pump in one direction
// ("client_to_remote" or "remote_to_client").
func (m *Metrics) RecordBytes(protocol, direction string, n int64) {
	m.BytesTransferred.WithLabelValues(protocol, direction).Add(float64(n))
}

// RecordPanic records a recovered panic in a connection handler goroutine.
func (m *Metrics) RecordPanic() {
	m.PanicsRecovered.Inc()
}
