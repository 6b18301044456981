// Package metrics provides metrics collection capabilities for the homeserver.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker exit results
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultPanic = "panic"
)

// Metrics holds all the metrics collectors for the process.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// HTTP metrics
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestInFlight *prometheus.GaugeVec
	ErrorCount      *prometheus.CounterVec

	// Process metrics
	Uptime       prometheus.Gauge
	LastStarted  prometheus.Gauge
	DependencyUp *prometheus.GaugeVec

	// Service lifecycle metrics
	BundleStarts   *prometheus.CounterVec
	ServicesBuilt  *prometheus.GaugeVec
	WorkersRunning *prometheus.GaugeVec
	WorkerExits    *prometheus.CounterVec
	Panics         *prometheus.CounterVec
	DanglingRefs   *prometheus.CounterVec

	// Database metrics
	DBQueries  *prometheus.CounterVec
	DBErrors   *prometheus.CounterVec
	DBDuration *prometheus.HistogramVec
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
	// ServiceName is attached as a constant label to process metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "homeserver",
		ServiceName: "homeserver",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	process := prometheus.Labels{"service": cfg.ServiceName}

	return &Metrics{
		Registry: registry,

		RequestCount: counter("request_total", "Total number of requests received",
			"method", "path", "status"),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		RequestInFlight: gauge("requests_in_flight", "Current number of requests being processed",
			"bundle"),
		ErrorCount: counter("errors_total", "Total number of errors", "type", "code"),

		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "uptime_seconds",
			Help:        "Process uptime in seconds",
			ConstLabels: process,
		}),
		LastStarted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "last_started_timestamp",
			Help:        "Timestamp when the services were last started",
			ConstLabels: process,
		}),
		DependencyUp: gauge("dependency_up", "Whether the dependency is up (1) or down (0)",
			"service", "dependency"),

		BundleStarts:   counter("bundle_starts_total", "Number of times a service bundle was started", "bundle"),
		ServicesBuilt:  gauge("services_built", "Services registered in the bundle", "bundle"),
		WorkersRunning: gauge("workers_running", "Background workers currently running", "bundle"),
		WorkerExits: counter("worker_exits_total", "Background worker exits by result",
			"bundle", "service", "result"),
		Panics:       counter("panics_total", "Recovered panics by location", "where"),
		DanglingRefs: counter("dangling_refs_total", "References still reachable after stop", "bundle"),

		DBQueries: counter("db_queries_total", "Database operations", "map", "op"),
		DBErrors:  counter("db_errors_total", "Failed database operations", "map", "op"),
		DBDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "db_duration_seconds",
			Help:      "Database operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the uptime metric until done
// is closed.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	m.LastStarted.Set(float64(startTime.Unix()))
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Uptime.Set(time.Since(startTime).Seconds())
			case <-done:
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError records an error metric.
func (m *Metrics) RecordError(errorType, errorCode string) {
	m.ErrorCount.WithLabelValues(errorType, errorCode).Inc()
}

// RecordDependencyStatus records the status of a dependency.
func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(value)
}

// RecordWorkerExit records a finished worker and decrements the running gauge.
func (m *Metrics) RecordWorkerExit(bundle, service, result string) {
	m.WorkerExits.WithLabelValues(bundle, service, result).Inc()
	m.WorkersRunning.WithLabelValues(bundle).Dec()
	if result == ResultPanic {
		m.Panics.WithLabelValues("worker").Inc()
	}
}

// RecordQuery records a database operation against a named map.
func (m *Metrics) RecordQuery(mapName, op string, duration time.Duration, err error) {
	m.DBQueries.WithLabelValues(mapName, op).Inc()
	m.DBDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		m.DBErrors.WithLabelValues(mapName, op).Inc()
	}
}
