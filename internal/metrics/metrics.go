package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ngalert"

// Metrics holds every collector exported by the service.
type Metrics struct {
	EvalTotal          *prometheus.CounterVec
	EvalFailures       prometheus.Counter
	EvalDuration       prometheus.Histogram
	ScheduleSkipped    *prometheus.CounterVec
	AlertInstances     *prometheus.GaugeVec
	DispatchTotal      *prometheus.CounterVec
	StoreFailures      prometheus.Counter
	HistoryFailures    prometheus.Counter
	HTTPRequestLatency *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates collectors and registers them on reg.
// Params: registerer (nil creates private registry).
// Returns: metrics set.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		EvalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations by outcome.",
		}, []string{"outcome"}),
		EvalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_failures_total",
			Help:      "Rule evaluations that ended in an error.",
		}),
		EvalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_duration_seconds",
			Help:      "Condition evaluation latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScheduleSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_skipped_total",
			Help:      "Due rule ticks that were skipped.",
		}, []string{"reason"}),
		AlertInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_instances",
			Help:      "Cached alert instances by state.",
		}, []string{"state"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Alertmanager dispatch attempts by result.",
		}, []string{"result"}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_store_failures_total",
			Help:      "Failed alert instance writes.",
		}),
		HistoryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_history_failures_total",
			Help:      "Failed state history writes.",
		}),
		HTTPRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.EvalTotal,
		m.EvalFailures,
		m.EvalDuration,
		m.ScheduleSkipped,
		m.AlertInstances,
		m.DispatchTotal,
		m.StoreFailures,
		m.HistoryFailures,
		m.HTTPRequestLatency,
	)
	if gatherer, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = gatherer
	}
	return m
}

// NewNop returns metrics bound to private registry, for tests and optional wiring.
// Params: none.
// Returns: metrics set.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves metrics gathered from the registry passed to New.
// Params: none.
// Returns: HTTP handler, or default handler when registerer is not a gatherer.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
