// Package metrics holds the Prometheus collectors for gate decisions and
// registry mutations. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bangate"

type Metrics struct {
	registry *prometheus.Registry

	decisions    *prometheus.CounterVec
	failOpen     *prometheus.CounterVec
	checkSeconds prometheus.Histogram
	mutations    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Login gate decisions by verdict and deciding stage.",
		}, []string{"verdict", "stage"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "failopen_total",
			Help:      "Logins allowed because the ban lookup timed out or failed.",
		}, []string{"cause"}),
		checkSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "check_seconds",
			Help:      "Wall time spent deciding one login attempt.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Ban and unban operations by outcome.",
		}, []string{"action", "kind", "result"}),
	}

	m.registry.MustRegister(
		m.decisions,
		m.failOpen,
		m.checkSeconds,
		m.mutations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveDecision(verdict, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(verdict, stage).Inc()
	m.checkSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveFailOpen(cause string) {
	if m == nil {
		return
	}
	m.failOpen.WithLabelValues(cause).Inc()
}

func (m *Metrics) ObserveMutation(action, kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.WithLabelValues(action, kind, result).Inc()
}

// TrackQueue exposes the gateway backlog as a gauge sampled at scrape time.
func (m *Metrics) TrackQueue(pending func() int) {
	if m == nil || pending == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "queue_depth",
		Help:      "Operations queued for the storage worker pool.",
	}, func() float64 { return float64(pending()) }))
}
