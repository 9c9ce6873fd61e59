package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-play/pkg/engine"
)

var _ engine.Observer = (*Metrics)(nil)

// Metrics records run progress as Prometheus metrics. It is an
// engine.Observer. A disabled Metrics accepts every call and records
// nothing.
type Metrics struct {
	config MetricsConfig

	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	activeRuns       prometheus.Gauge
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	hostsUnreachable prometheus.Counter
	hostsAborted     prometheus.Counter
	retryAttempts    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished runs by status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of task outcomes by kind and status",
			},
			[]string{"kind", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		hostsUnreachable: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_unreachable_total",
				Help:      "Total number of hosts that could not be reached",
			},
		),
		hostsAborted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_aborted_total",
				Help:      "Total number of hosts aborted by a fatal failure",
			},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of attempts beyond the first, by kind",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.tasksTotal,
		m.taskDuration,
		m.hostsUnreachable,
		m.hostsAborted,
		m.retryAttempts,
	)
	return m
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RunStarted implements engine.Observer.
func (m *Metrics) RunStarted(_ context.Context, _ *engine.RunReport) {
	if !m.Enabled() {
		return
	}
	m.activeRuns.Inc()
}

// OutcomeRecorded implements engine.Observer.
func (m *Metrics) OutcomeRecorded(_ context.Context, _ *engine.RunReport, _ int, o engine.Outcome) {
	if !m.Enabled() {
		return
	}
	status := string(o.Status)
	if o.Ignored {
		status = "ignored"
	}
	m.tasksTotal.WithLabelValues(o.Kind, status).Inc()
	m.taskDuration.WithLabelValues(o.Kind).Observe(o.Duration.Seconds())
	if o.Attempts > 1 {
		m.retryAttempts.WithLabelValues(o.Kind).Add(float64(o.Attempts - 1))
	}
}

// HostAborted implements engine.Observer.
func (m *Metrics) HostAborted(_ context.Context, _ *engine.RunReport, _ string, err error) {
	if !m.Enabled() {
		return
	}
	m.hostsAborted.Inc()
	if engine.IsKind(err, engine.ErrorKindHostUnreachable) {
		m.hostsUnreachable.Inc()
	}
}

// RunFinished implements engine.Observer.
func (m *Metrics) RunFinished(_ context.Context, report *engine.RunReport) {
	if !m.Enabled() {
		return
	}
	status := string(report.Status())
	m.runsTotal.WithLabelValues(status).Inc()
	end := report.CompletedAt()
	if end.IsZero() {
		end = time.Now()
	}
	m.runDuration.WithLabelValues(status).Observe(end.Sub(report.StartedAt).Seconds())
	m.activeRuns.Dec()
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint on the configured address until ctx
// is done. It returns the bound address, which differs from the
// configured one when the port is 0.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) (string, error) {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return "", nil
	}

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", err
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", listener.Addr().String()).Str("path", m.config.Path).Msg("Serving metrics")
	return listener.Addr().String(), nil
}
