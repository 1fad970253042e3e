// Package metrics exposes Prometheus collectors for the task lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labelflow"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	labeling      *prometheus.CounterVec
	labelDuration prometheus.Histogram
	batchSize     prometheus.Histogram
	notifyErrors  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Committed task status transitions.",
		}, []string{"from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_rejected_total",
			Help:      "Transitions refused because the task was not in an allowed status.",
		}, []string{"op", "stale"}),
		labeling: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labeling_results_total",
			Help:      "Auto-labeling attempts by outcome.",
		}, []string{"outcome"}),
		labelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "labeling_duration_seconds",
			Help:      "Time spent in the labeler per task.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "labeling_batch_size",
			Help:      "Tasks dispatched per labeling batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_errors_total",
			Help:      "Notifications that could not be published.",
		}),
	}
	reg.MustRegister(
		m.transitions, m.rejected, m.labeling, m.labelDuration, m.batchSize, m.notifyErrors,
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

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) TransitionRejected(op string, stale bool) {
	if m == nil {
		return
	}
	s := "false"
	if stale {
		s = "true"
	}
	m.rejected.WithLabelValues(op, s).Inc()
}

// Labeled records one labeling attempt; outcome is "ok", "error" or "timeout".
func (m *Metrics) Labeled(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.labeling.WithLabelValues(outcome).Inc()
	m.labelDuration.Observe(took.Seconds())
}

func (m *Metrics) Batch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyErrors.Inc()
}
