// Package observability owns the Prometheus registry for the service.
package observability

import (
	"net/http"
	"time"

	"clubhouse/cmd/internal/club"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clubhouse"

// Outcome labels.
const (
	OutcomeOK     = "ok"
	OutcomeReject = "reject"
	OutcomeFail   = "fail"
)

// Metrics is a private registry plus the collectors the service updates.
// It implements club.Observer.
type Metrics struct {
	reg *prometheus.Registry

	ops           *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	likes         *prometheus.CounterVec
	connections   prometheus.Gauge
	invalidations *prometheus.CounterVec
}

// NewMetrics builds and registers every collector, including the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governance",
			Name:      "operations_total",
			Help:      "Club and inbox operations by outcome and error code.",
		}, []string{"op", "outcome", "code"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "governance",
			Name:      "operation_duration_seconds",
			Help:      "Latency of club operations including the store transaction.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		likes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "likes",
			Name:      "recomputes_total",
			Help:      "Club like aggregate recomputations by outcome.",
		}, []string{"outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open realtime websocket connections.",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invalidation",
			Name:      "published_total",
			Help:      "Cache invalidation hints delivered per sink.",
		}, []string{"sink", "outcome"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ops, m.opDuration, m.likes, m.connections, m.invalidations,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	switch club.CategoryOf(err) {
	case club.CategoryStore, club.CategoryNone:
		return OutcomeFail
	}
	return OutcomeReject
}

// ObserveOp implements club.Observer.
func (m *Metrics) ObserveOp(op string, err error, took time.Duration) {
	if m == nil {
		return
	}
	code := ""
	if err != nil {
		code = club.CodeOf(err)
	}
	m.ops.WithLabelValues(op, outcome(err), code).Inc()
	m.opDuration.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveLikes implements club.Observer.
func (m *Metrics) ObserveLikes(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.likes.WithLabelValues(OutcomeFail).Inc()
		return
	}
	m.likes.WithLabelValues(OutcomeOK).Inc()
}

// ConnOpened and ConnClosed track the realtime gauge.
func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// ObserveInvalidation counts one delivery attempt to a sink.
func (m *Metrics) ObserveInvalidation(sink string, err error) {
	if m == nil {
		return
	}
	o := OutcomeOK
	if err != nil {
		o = OutcomeFail
	}
	m.invalidations.WithLabelValues(sink, o).Inc()
}
