// Package metrics exposes upload cycle instrumentation to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logupload/internal/cycle"
	"logupload/internal/logging"
)

const namespace = "logupload"

// Metrics records cycle results. It implements scheduler.Observer.
type Metrics struct {
	reg *prometheus.Registry

	cycles    *prometheus.CounterVec
	captured  prometheus.Counter
	sent      prometheus.Counter
	watermark prometheus.Gauge
	duration  prometheus.Histogram
	wakes     *prometheus.CounterVec
}

// New creates the collectors on a private registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Upload cycles by result and, for failures, the step that failed.",
		}, []string{"result", "step"}),
		captured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_bytes_total",
			Help:      "Log bytes captured from the source.",
		}),
		sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes handed to the collector after compression.",
		}),
		watermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark",
			Help:      "Position of the last consumed log record.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one upload cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
		wakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakes_total",
			Help:      "Wake signals received during a sleep, by whether they were honored.",
		}, []string{"result"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveCycle records one cycle.
func (m *Metrics) ObserveCycle(out cycle.Outcome, err error) {
	var f *cycle.Failure
	switch {
	case errors.As(err, &f):
		m.cycles.WithLabelValues("failed", f.State.String()).Inc()
	case err != nil:
		m.cycles.WithLabelValues("failed", out.State.String()).Inc()
	case out.EOF:
		m.cycles.WithLabelValues("eof", "").Inc()
	default:
		m.cycles.WithLabelValues("ok", "").Inc()
	}
	m.captured.Add(float64(out.Captured))
	m.sent.Add(float64(out.Sent))
	m.watermark.Set(float64(out.Watermark))
	m.duration.Observe(out.Duration.Seconds())
}

// ObserveWake records a wake signal.
func (m *Metrics) ObserveWake(accepted bool) {
	if accepted {
		m.wakes.WithLabelValues("accepted").Inc()
		return
	}
	m.wakes.WithLabelValues("ignored").Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a metrics server for addr.
func NewServer(addr string, m *Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logging.Default(logger).With("component", "metrics"),
	}
}

// Run listens on the configured address and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("serving metrics", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
