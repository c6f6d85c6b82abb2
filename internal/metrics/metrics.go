package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TurnsStarted       prometheus.Counter
	TurnsCompleted     prometheus.Counter
	TurnsFailed        prometheus.Counter
	TurnsCanceled      prometheus.Counter
	DeltasRelayed      prometheus.Counter
	RetrievalQueries   prometheus.Counter
	TitleJobsEnqueued  prometheus.Counter
	TitleJobsProcessed prometheus.Counter
	TitleJobsFailed    prometheus.Counter
	TurnDuration       prometheus.Histogram
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TurnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "turns_started_total",
				Help:      "Total chat turns accepted for streaming",
			}),
			TurnsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "turns_completed_total",
				Help:      "Total chat turns that reached the completed state",
			}),
			TurnsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "turns_failed_total",
				Help:      "Total chat turns that reached the failed state",
			}),
			TurnsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "turns_canceled_total",
				Help:      "Total chat turns aborted by the client",
			}),
			DeltasRelayed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "deltas_relayed_total",
				Help:      "Total content deltas forwarded to callers",
			}),
			RetrievalQueries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "retrieval_queries_total",
				Help:      "Total retrieval searches issued",
			}),
			TitleJobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "title_jobs_enqueued_total",
				Help:      "Total title jobs enqueued to redis stream",
			}),
			TitleJobsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "title_jobs_processed_total",
				Help:      "Total title jobs successfully processed",
			}),
			TitleJobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "title_jobs_failed_total",
				Help:      "Total title jobs failed during processing",
			}),
			TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "chatrelay",
				Name:      "turn_duration_seconds",
				Help:      "Wall-clock duration of completed turns",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			}),
		}
		prometheus.MustRegister(
			global.TurnsStarted, global.TurnsCompleted, global.TurnsFailed, global.TurnsCanceled,
			global.DeltasRelayed, global.RetrievalQueries,
			global.TitleJobsEnqueued, global.TitleJobsProcessed, global.TitleJobsFailed,
			global.TurnDuration,
		)
	})
	return global
}
