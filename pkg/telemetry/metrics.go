package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for deployments. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	deployments   *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	lastSuccess   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	namespace := cfg.Namespace

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of deployment runs",
			},
			[]string{"app", "env", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of deployment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of failed pipeline stages by error class",
			},
			[]string{"stage", "class"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful deployment",
			},
			[]string{"app", "env"},
		),
	}

	m.registry.MustRegister(
		m.deployments,
		m.runDuration,
		m.stageDuration,
		m.stageFailures,
		m.lastSuccess,
	)

	return m
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(app, env, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(app, env, status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	if status == "succeeded" {
		m.lastSuccess.WithLabelValues(app, env).SetToCurrentTime()
	}
}

// RecordStage records the duration of a stage that ran.
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageFailure counts a failed stage by error class.
func (m *Metrics) RecordStageFailure(stage, class string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, class).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the registry in text exposition format to path, for
// the node-exporter textfile collector. It is a no-op when path is empty.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
