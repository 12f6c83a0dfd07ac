// Package metrics exposes the broker's Prometheus counters and histograms
// behind a small HTTP server, in the lifecycle shape httpserver.BaseServer
// expects (ListenAndServe / Shutdown). The teacher referenced a sibling
// metrics package with this exact shape but it was not present in the
// retrieval pack, so this package is rebuilt from scratch directly on
// github.com/prometheus/client_golang rather than copied.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and histogram the broker records. One instance
// is created per process and threaded through explicitly; nothing here is
// package-level state.
type Metrics struct {
	registry *prometheus.Registry

	JobsAccepted   *prometheus.CounterVec
	JobsRejected   *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	PaymentsTotal  *prometheus.CounterVec
	PaymentLatency *prometheus.HistogramVec
	ClearingCalls  *prometheus.HistogramVec
	ChannelBalance *prometheus.GaugeVec
}

// New registers a fresh metric set under namespace on its own registry, so
// multiple broker processes in one test binary do not collide on the
// default global registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_accepted_total",
			Help:      "Jobs accepted by task type.",
		}, []string{"task_type"}),

		JobsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Jobs rejected by reason.",
		}, []string{"reason"}),

		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs completed by outcome (ok, error).",
		}, []string{"outcome"}),

		PaymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payments attempted by path and outcome.",
		}, []string{"path", "outcome"}),

		PaymentLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_latency_seconds",
			Help:      "End-to-end payment latency by path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),

		ClearingCalls: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clearing_call_latency_seconds",
			Help:      "Clearing-network RPC latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		ChannelBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_balance",
			Help:      "Last known unified channel balance by asset.",
		}, []string{"asset"}),
	}
}

// Server serves the registered metrics on /metrics, mirroring the teacher's
// MetricsServer field on BaseServer (ListenAndServe/Shutdown lifecycle).
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics HTTP server for m, or returns nil if addr is
// empty (metrics disabled), matching BaseServer's "empty MetricsAddr means
// no metrics server" convention.
func NewServer(m *Metrics, addr string) *Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe blocks serving the metrics endpoint until Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
