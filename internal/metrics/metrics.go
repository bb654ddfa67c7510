package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline Prometheus metrics. Components update these directly; they are
// exported on /metrics once Register has been called.
var (
	BrokerSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "drinkwatch",
			Name:      "broker_subscribers",
			Help:      "Number of live event broker subscriptions",
		},
	)

	BrokerEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drinkwatch",
			Name:      "broker_events_published_total",
			Help:      "Total events published through the broker",
		},
		[]string{"event", "scope"}, // scope: "broadcast" / "targeted"
	)

	JobsInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "drinkwatch",
			Name:      "jobs_inflight",
			Help:      "Jobs currently scheduled or running",
		},
		[]string{"kind"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "drinkwatch",
			Name:      "job_duration_seconds",
			Help:      "Job run time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"kind", "status"},
	)

	WatcherPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drinkwatch",
			Name:      "watcher_polls_total",
			Help:      "Change watcher polls by result",
		},
		[]string{"result"}, // "new" / "unchanged" / "error"
	)
)

var registerOnce sync.Once

// Register registers the pipeline and HTTP collectors with reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			BrokerSubscribers,
			BrokerEventsPublished,
			JobsInflight,
			JobDuration,
			WatcherPolls,
			httpRequestDuration,
			httpRequestsTotal,
		)
	})
}
