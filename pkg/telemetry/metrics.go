package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const metricsNamespace = "provisio"

// Metrics collects run and instance counters for Prometheus scraping.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted      prometheus.Counter
	runsCompleted    *prometheus.CounterVec
	runDuration      prometheus.Histogram
	instancesApplied *prometheus.CounterVec
	instanceDuration *prometheus.HistogramVec
	connectAttempts  *prometheus.HistogramVec
	bootstrapActions *prometheus.CounterVec

	server *http.Server
}

// NewMetrics builds the metric set on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "runs_started_total",
		Help:      "Total runs started.",
	})
	m.runsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "runs_completed_total",
		Help:      "Total runs completed, by final status.",
	}, []string{"status"})
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.instancesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "instances_total",
		Help:      "Instances processed, by resource type and status.",
	}, []string{"resource_type", "status"})
	m.instanceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "instance_duration_seconds",
		Help:      "Time spent materializing one instance.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"resource_type"})
	m.connectAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "bootstrap_connect_attempts",
		Help:      "Connection attempts needed before a bootstrap session was established.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13},
	}, []string{"resource_type"})
	m.bootstrapActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "bootstrap_actions_total",
		Help:      "Bootstrap actions executed, by kind.",
	}, []string{"kind"})

	m.registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.instancesApplied,
		m.instanceDuration,
		m.connectAttempts,
		m.bootstrapActions,
	)
	return m
}

// RunStarted records the start of a run.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
}

// RunCompleted records a finished run.
func (m *Metrics) RunCompleted(status string, duration time.Duration) {
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// InstanceApplied records one processed instance.
func (m *Metrics) InstanceApplied(resourceType, status string, duration time.Duration) {
	m.instancesApplied.WithLabelValues(resourceType, status).Inc()
	m.instanceDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// ObserveConnectAttempts records how many attempts a connection took.
func (m *Metrics) ObserveConnectAttempts(resourceType string, attempts int) {
	m.connectAttempts.WithLabelValues(resourceType).Observe(float64(attempts))
}

// IncBootstrapAction records one executed bootstrap action.
func (m *Metrics) IncBootstrapAction(kind string) {
	m.bootstrapActions.WithLabelValues(kind).Inc()
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the /metrics listener in the background.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("address", addr).Msg("metrics listener started")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}

// Shutdown stops the metrics listener if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
