package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry also serves as the runners' txrunner.Observer.
type metricsRegistry struct {
	registry       *prometheus.Registry
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	inflight       prometheus.Gauge
	requestsTotal  *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultops_actions_total",
		Help: "Finished transaction attempts by operation and outcome",
	}, []string{"operation", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultops_action_duration_seconds",
		Help:    "Time from signing request to terminal state",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"operation"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultops_actions_inflight",
		Help: "Transaction attempts currently running",
	})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultops_requests_total",
		Help: "Action submissions by handling status",
	}, []string{"status"})

	r := prometheus.NewRegistry()
	r.MustRegister(actions, duration, inflight, requests)

	return &metricsRegistry{
		registry:       r,
		actionsTotal:   actions,
		actionDuration: duration,
		inflight:       inflight,
		requestsTotal:  requests,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) Started(string) {
	m.inflight.Inc()
}

func (m *metricsRegistry) Finished(operation, outcome string, elapsed time.Duration) {
	m.inflight.Dec()
	m.actionsTotal.WithLabelValues(operation, outcome).Inc()
	m.actionDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *metricsRegistry) incRequest(status string) {
	m.requestsTotal.WithLabelValues(status).Inc()
}
