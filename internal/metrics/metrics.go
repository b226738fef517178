package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskfarm"

// Metrics holds every collector the farm exports
type Metrics struct {
	Polls          *prometheus.CounterVec // result: assigned, empty, ineligible, inconsistent, error
	Events         *prometheus.CounterVec // code, result: applied, noop, rejected
	Requests       *prometheus.CounterVec // source: manual, periodic
	Reaped         *prometheus.CounterVec // bucket
	ReapFailures   *prometheus.CounterVec // bucket
	Compacted      *prometheus.CounterVec // policy: retention, age
	Notifications  *prometheus.CounterVec // result: sent, failed
	MatchDuration  prometheus.Histogram
	EstimateWrites prometheus.Counter
}

// NewMetrics registers the collectors on reg. Passing a fresh prometheus.NewRegistry keeps
// tests independent of the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Worker polls by outcome.",
		}, []string{"result"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task events by code and outcome.",
		}, []string{"code", "result"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_requests_total",
			Help:      "Tasks requested by source.",
		}, []string{"source"}),
		Reaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_tasks_total",
			Help:      "Tasks force-closed by the reaper.",
		}, []string{"bucket"}),
		ReapFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_bucket_failures_total",
			Help:      "Reaper buckets that could not be fully processed.",
		}, []string{"bucket"}),
		Compacted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compacted_tasks_total",
			Help:      "Historical tasks deleted by the compactor.",
		}, []string{"policy"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_notifications_total",
			Help:      "Status change notifications by outcome.",
		}, []string{"result"}),
		MatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_duration_seconds",
			Help:      "Time spent finding the best task for a poll.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		EstimateWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duration_estimate_writes_total",
			Help:      "Duration estimate rows upserted.",
		}),
	}
}

// NewNop returns collectors bound to a throwaway registry
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
