// Package metrics wraps the Prometheus collectors for the activity
// runtime: run outcomes, activity errors and run durations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Vela metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	runsTaken     *prometheus.CounterVec
	runsDiscarded *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
}

// Default histogram buckets for run duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		runsTaken: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_runs_taken_total",
				Help:      "Activity runs that completed through run.end",
			},
			[]string{"activity_type"},
		),

		runsDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_runs_discarded_total",
				Help:      "Activity runs that completed through run.discarded",
			},
			[]string{"activity_type"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_errors_total",
				Help:      "Activity errors surfaced on the event exchange",
			},
			[]string{"activity_type"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activity_run_duration_ms",
				Help:      "Wall time of one activity run in milliseconds",
				Buckets:   buckets,
			},
			[]string{"activity_type"},
		),
	}

	registry.MustRegister(pm.runsTaken, pm.runsDiscarded, pm.errorsTotal, pm.runDuration)
	promMetrics = pm
}

// Handler returns the /metrics HTTP handler, or nil when metrics are not
// initialized.
func Handler() http.Handler {
	if promMetrics == nil {
		return nil
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// RunTaken records a completed run.
func RunTaken(activityType string) {
	if promMetrics != nil {
		promMetrics.runsTaken.WithLabelValues(activityType).Inc()
	}
}

// RunDiscarded records a discarded run.
func RunDiscarded(activityType string) {
	if promMetrics != nil {
		promMetrics.runsDiscarded.WithLabelValues(activityType).Inc()
	}
}

// ActivityErrored records an activity error event.
func ActivityErrored(activityType string) {
	if promMetrics != nil {
		promMetrics.errorsTotal.WithLabelValues(activityType).Inc()
	}
}

// ObserveRunDuration records the wall time of one run.
func ObserveRunDuration(activityType string, ms float64) {
	if promMetrics != nil {
		promMetrics.runDuration.WithLabelValues(activityType).Observe(ms)
	}
}
