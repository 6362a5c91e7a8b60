// Package metrics exposes prometheus instrumentation for the orchestration
// core and the notification broadcast service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// JobsSubmitted counts accepted job submissions by job type.
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "overseer_jobs_submitted_total", Help: "Jobs accepted onto the queue"},
		[]string{"type"},
	)
	// JobsExecuted counts finished job executions by job type and terminal result.
	JobsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "overseer_jobs_executed_total", Help: "Jobs executed by terminal result"},
		[]string{"type", "result"},
	)
	// JobDuration observes wall-clock execution time per job type.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overseer_job_duration_seconds",
			Help:    "Job execution duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"type"},
	)
	// BroadcastCalls counts notification deliveries by topic and outcome.
	BroadcastCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "overseer_broadcast_calls_total", Help: "Notification broadcast deliveries"},
		[]string{"topic", "outcome"},
	)
	// SubscribersEvicted counts subscribers evicted after failed deliveries.
	SubscribersEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "overseer_subscribers_evicted_total", Help: "Subscribers evicted on delivery failure"},
	)
	// WorkersBusy tracks workers currently executing a job.
	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "overseer_workers_busy", Help: "Workers currently executing a job"},
	)
)

// ObserveJob records one finished execution.
func ObserveJob(jobType, result string, d time.Duration) {
	JobsExecuted.WithLabelValues(jobType, result).Inc()
	JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// Handler exposes the /metrics HTTP handler with a singleton registration.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsExecuted,
			JobDuration,
			BroadcastCalls,
			SubscribersEvicted,
			WorkersBusy,
		)
	})
	return promhttp.Handler()
}
