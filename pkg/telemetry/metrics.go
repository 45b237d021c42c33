package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for FortiFleet.
type Metrics struct {
	config MetricsConfig

	// Fan-out metrics
	fanoutsStarted   *prometheus.CounterVec
	fanoutsCompleted *prometheus.CounterVec
	fanoutDuration   *prometheus.HistogramVec

	// Target metrics
	targetOutcomes *prometheus.CounterVec
	targetDuration *prometheus.HistogramVec

	// Device API metrics
	deviceCalls    *prometheus.CounterVec
	deviceDuration *prometheus.HistogramVec
	deviceErrors   *prometheus.CounterVec

	// Audit metrics
	auditWrites *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeFanouts prometheus.Gauge
	targetsKnown  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		fanoutsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanouts_started_total",
				Help:      "Total number of fan-out operations started",
			},
			[]string{"operation", "resource"},
		),
		fanoutsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanouts_completed_total",
				Help:      "Total number of fan-out operations completed",
			},
			[]string{"operation", "status"},
		),
		fanoutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fanout_duration_seconds",
				Help:      "Duration of fan-out operations in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		targetOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "target_outcomes_total",
				Help:      "Total number of per-target outcomes",
			},
			[]string{"result", "code"},
		),
		targetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "target_duration_seconds",
				Help:      "Duration of a single target's chain in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),

		deviceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_calls_total",
				Help:      "Total number of device API calls",
			},
			[]string{"method", "resource"},
		),
		deviceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_call_duration_seconds",
				Help:      "Duration of device API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
		deviceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_errors_total",
				Help:      "Total number of failed device API calls",
			},
			[]string{"method", "code"},
		),

		auditWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_writes_total",
				Help:      "Total number of audit log writes",
			},
			[]string{"result"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeFanouts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_fanouts",
				Help:      "Current number of running fan-out operations",
			},
		),
		targetsKnown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "targets",
				Help:      "Number of targets in the last snapshot",
			},
		),
	}

	registry.MustRegister(
		m.fanoutsStarted,
		m.fanoutsCompleted,
		m.fanoutDuration,
		m.targetOutcomes,
		m.targetDuration,
		m.deviceCalls,
		m.deviceDuration,
		m.deviceErrors,
		m.auditWrites,
		m.errorsByCode,
		m.activeFanouts,
		m.targetsKnown,
	)

	return m, nil
}

// Fan-out Metrics

// RecordFanOutStarted increments the counter for started fan-outs.
func (m *Metrics) RecordFanOutStarted(operation, resource string) {
	if m == nil || m.fanoutsStarted == nil {
		return
	}
	m.fanoutsStarted.WithLabelValues(operation, resource).Inc()
	m.activeFanouts.Inc()
}

// RecordFanOutCompleted records a completed fan-out with its status and duration.
func (m *Metrics) RecordFanOutCompleted(operation, status string, duration time.Duration) {
	if m == nil || m.fanoutsCompleted == nil {
		return
	}
	m.fanoutsCompleted.WithLabelValues(operation, status).Inc()
	m.fanoutDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeFanouts.Dec()
}

// Target Metrics

// RecordTargetOutcome records one target's outcome.
func (m *Metrics) RecordTargetOutcome(success bool, code string, duration time.Duration) {
	if m == nil || m.targetOutcomes == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	m.targetOutcomes.WithLabelValues(result, code).Inc()
	m.targetDuration.WithLabelValues(result).Observe(duration.Seconds())
	if !success && code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// SetTargetCount sets the number of targets in the last snapshot.
func (m *Metrics) SetTargetCount(count int) {
	if m == nil || m.targetsKnown == nil {
		return
	}
	m.targetsKnown.Set(float64(count))
}

// Device Metrics

// RecordDeviceCall records a device API call with its duration.
func (m *Metrics) RecordDeviceCall(method, resource string, duration time.Duration) {
	if m == nil || m.deviceCalls == nil {
		return
	}
	m.deviceCalls.WithLabelValues(method, resource).Inc()
	m.deviceDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDeviceError records a failed device API call.
func (m *Metrics) RecordDeviceError(method, code string) {
	if m == nil || m.deviceErrors == nil {
		return
	}
	m.deviceErrors.WithLabelValues(method, code).Inc()
}

// Audit Metrics

// RecordAuditWrite records the result of an audit log write.
func (m *Metrics) RecordAuditWrite(err error) {
	if m == nil || m.auditWrites == nil {
		return
	}
	if err != nil {
		m.auditWrites.WithLabelValues("failed").Inc()
		return
	}
	m.auditWrites.WithLabelValues("ok").Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a standalone HTTP server exposing metrics until
// ctx is cancelled. It is a no-op when no listen address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return nil
}
