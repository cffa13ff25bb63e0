package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs admitted per category"}, []string{"category"})
	JobsDeduped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Submissions resolved to an existing job via dedup key"}, []string{"category"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"category"})
	JobsRetried   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Handler failures scheduled for retry"}, []string{"category"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs failed permanently after exhausting attempts"}, []string{"category"})
	JobsReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Abandoned active jobs returned to ready after visibility timeout"}, []string{"category"})
	JobsInFlight  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing"}, []string{"category"})
	QueueDepth    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready jobs per category across priorities"}, []string{"category"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})

	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "change_events_published_total", Help: "Change events published on the bus"})
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "change_events_delivered_total", Help: "Change messages delivered to live connections"})
	EventsDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "change_events_dropped_total", Help: "Change messages dropped on saturated connections"})

	Connections        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "realtime_connections", Help: "Live WebSocket connections"})
	ConnectionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{Name: "realtime_connections_evicted_total", Help: "Connections terminated by heartbeat liveness checks"})
)

// Handler exposes the /metrics HTTP handler with a singleton registration.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduped,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			JobsInFlight,
			QueueDepth,
			RateLimitRejects,
			EventsPublished,
			EventsDelivered,
			EventsDropped,
			Connections,
			ConnectionsEvicted,
		)
	})
	return promhttp.Handler()
}
