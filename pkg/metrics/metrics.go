// Package metrics holds the prometheus collectors for the designer backend
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metrics for the backend
type Registry struct {
	registry *prometheus.Registry

	// RPC metrics
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec

	// Build metrics
	BuildsTotal   *prometheus.CounterVec
	BuildDuration prometheus.Histogram

	// Simulation metrics
	SimulationsActive prometheus.Gauge
	UARTBytesTotal    *prometheus.CounterVec
	LEDEventsTotal    prometheus.Counter
}

// NewRegistry creates a registry with all collectors registered
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.RPCRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsd_rpc_requests_total",
			Help: "Total number of RPC requests handled, by method and outcome",
		},
		[]string{"method", "status"},
	)

	r.RPCRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vsd_rpc_request_duration_seconds",
			Help:    "RPC handler duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1.0, 10.0, 60.0, 300.0},
		},
		[]string{"method"},
	)

	r.BuildsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsd_builds_total",
			Help: "Total number of firmware builds, by terminal status",
		},
		[]string{"status"},
	)

	r.BuildDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vsd_build_duration_seconds",
			Help:    "Firmware build duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	r.SimulationsActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vsd_simulations_active",
			Help: "Number of currently running simulations",
		},
	)

	r.UARTBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsd_uart_bytes_total",
			Help: "Total UART bytes forwarded to the editor, by peripheral",
		},
		[]string{"uart"},
	)

	r.LEDEventsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "vsd_led_events_total",
			Help: "Total LED state-change events forwarded to the editor",
		},
	)

	return r
}

// RecordRPCRequest records one handled RPC request with its duration
func (r *Registry) RecordRPCRequest(method, status string, duration time.Duration) {
	r.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	r.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordBuild records one finished build with its duration
func (r *Registry) RecordBuild(status string, duration time.Duration) {
	r.BuildsTotal.WithLabelValues(status).Inc()
	r.BuildDuration.Observe(duration.Seconds())
}

// Gatherer exposes the underlying registry for scraping
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
