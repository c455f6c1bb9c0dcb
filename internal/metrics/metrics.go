// Package metrics exposes Prometheus metrics and health endpoints for the price
// history store. All recording methods are safe on a nil *Metrics so components can
// run without instrumentation.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
)

// Metrics holds every collector registered by the store.
type Metrics struct {
	registry *prometheus.Registry

	TicksPushed      *prometheus.CounterVec // labels: source
	TicksRejected    *prometheus.CounterVec // labels: reason
	Retries          *prometheus.CounterVec // labels: component, operation
	GapFills         *prometheus.CounterVec // labels: window, result
	SlotsFilled      *prometheus.CounterVec // labels: method
	PollErrors       *prometheus.CounterVec // labels: stage
	SeriesLength     prometheus.Gauge
	IntegrityOK      prometheus.Gauge
	LastPrice        prometheus.Gauge
	LastTickTime     prometheus.Gauge
	PollDuration     prometheus.Histogram
	CheckpointDur    prometheus.Histogram
	CheckpointErrors prometheus.Counter
	PublishErrors    prometheus.Counter

	startTime    time.Time
	integrity    atomic.Bool
	lastTickUnix atomic.Int64
}

// New creates the collectors and registers them on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ohlcv"
	}
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		TicksPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_pushed_total",
			Help:      "Ticks stored in the RAW series (by source)",
		}, []string{"source"}),
		TicksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_rejected_total",
			Help:      "Ticks refused by the RAW series (by reason)",
		}, []string{"reason"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried calls to external sources",
		}, []string{"component", "operation"}),
		GapFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_fills_total",
			Help:      "Gap fill attempts (by window and result)",
		}, []string{"window", "result"}),
		SlotsFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_slots_filled_total",
			Help:      "RAW slots written by gap filling (by method)",
		}, []string{"method"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Poll loop iterations that failed (by stage)",
		}, []string{"stage"}),
		SeriesLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "series_length",
			Help:      "Number of ticks in the RAW series",
		}),
		IntegrityOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_ok",
			Help:      "1 when the last integrity check passed",
		}),
		LastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_price",
			Help:      "Price of the most recent live tick",
		}),
		LastTickTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Slot time of the most recent live tick",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_iteration_duration_seconds",
			Help:      "Time spent processing one live tick",
			Buckets:   prometheus.DefBuckets,
		}),
		CheckpointDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time spent writing the series to disk",
			Buckets:   prometheus.DefBuckets,
		}),
		CheckpointErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "Checkpoints that failed",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Buckets the publisher failed to deliver",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksPushed,
		m.TicksRejected,
		m.Retries,
		m.GapFills,
		m.SlotsFilled,
		m.PollErrors,
		m.SeriesLength,
		m.IntegrityOK,
		m.LastPrice,
		m.LastTickTime,
		m.PollDuration,
		m.CheckpointDur,
		m.CheckpointErrors,
		m.PublishErrors,
	)
	return m
}

// Registry returns the registry backing the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TickPushed(source string) {
	if m == nil {
		return
	}
	m.TicksPushed.WithLabelValues(source).Inc()
}

// TickBatchPushed records n ticks stored by one batch.
func (m *Metrics) TickBatchPushed(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TicksPushed.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) TickRejected(reason string) {
	if m == nil {
		return
	}
	m.TicksRejected.WithLabelValues(reason).Inc()
}

// Retry matches the retry hook signature of the errors package.
func (m *Metrics) Retry(component, operation string, _ int, _ time.Duration, _ error) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(component, operation).Inc()
}

// GapFilled records one repaired gap part.
func (m *Metrics) GapFilled(window string) {
	if m == nil {
		return
	}
	m.GapFills.WithLabelValues(window, "filled").Inc()
}

// SlotsWritten records RAW slots written by gap filling.
func (m *Metrics) SlotsWritten(method string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SlotsFilled.WithLabelValues(method).Add(float64(n))
}

func (m *Metrics) GapFailed(window string) {
	if m == nil {
		return
	}
	m.GapFills.WithLabelValues(window, "failed").Inc()
}

func (m *Metrics) SetSeriesLength(n int) {
	if m == nil {
		return
	}
	m.SeriesLength.Set(float64(n))
}

// SetIntegrity records the verdict of the latest integrity check.
func (m *Metrics) SetIntegrity(ok bool) {
	if m == nil {
		return
	}
	m.integrity.Store(ok)
	if ok {
		m.IntegrityOK.Set(1)
	} else {
		m.IntegrityOK.Set(0)
	}
}

// ObserveLiveTick records the price and slot of a processed live tick.
func (m *Metrics) ObserveLiveTick(slot time.Time, price float64) {
	if m == nil {
		return
	}
	m.LastPrice.Set(price)
	m.LastTickTime.Set(float64(slot.Unix()))
	m.lastTickUnix.Store(slot.Unix())
}

func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(d.Seconds())
}

func (m *Metrics) PollError(stage string) {
	if m == nil {
		return
	}
	m.PollErrors.WithLabelValues(stage).Inc()
}

// ObserveCheckpoint records a checkpoint duration and its outcome.
func (m *Metrics) ObserveCheckpoint(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CheckpointDur.Observe(d.Seconds())
	if err != nil {
		m.CheckpointErrors.Inc()
	}
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishErrors.Inc()
}

// Server serves /metrics and /health.
type Server struct {
	cfg     config.MetricsConfig
	metrics *Metrics
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the HTTP server for the given metrics.
func NewServer(cfg config.MetricsConfig, m *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	s := &Server{cfg: cfg, metrics: m, logger: logger}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	return nil
}

// handleHealth reports unhealthy until an integrity check has passed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.metrics.startTime).String(),
	}
	if last := s.metrics.lastTickUnix.Load(); last > 0 {
		status["last_tick"] = time.Unix(last, 0).UTC()
	}

	w.Header().Set("Content-Type", "application/json")
	if !s.metrics.integrity.Load() {
		status["status"] = "unhealthy"
		status["reason"] = "integrity check has not passed"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
