package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LifecycleMetrics exposes counters/histograms for appointment mutations.
type LifecycleMetrics struct {
	mutationsTotal   *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	ruleReloads      prometheus.Counter
}

func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	m := &LifecycleMetrics{
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "lifecycle",
			Name:      "mutations_total",
			Help:      "Appointment mutations by operation and outcome kind",
		}, []string{"operation", "outcome"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "lifecycle",
			Name:      "mutation_duration_seconds",
			Help:      "Latency of appointment mutations including the conditional write",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		ruleReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "lifecycle",
			Name:      "transition_rule_reloads_total",
			Help:      "Transition rule table loads from the backing store",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.mutationsTotal, m.mutationDuration, m.ruleReloads)
	return m
}

func (m *LifecycleMetrics) ObserveMutation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(operation, outcome).Inc()
	m.mutationDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *LifecycleMetrics) ObserveRuleReload() {
	if m == nil {
		return
	}
	m.ruleReloads.Inc()
}

// RuleReloads exposes the reload counter for tests and dashboards.
func (m *LifecycleMetrics) RuleReloads() prometheus.Counter {
	return m.ruleReloads
}

// Handler serves the default gatherer, or g when given.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
