// Package telemetry exposes Prometheus collectors for the kvadmin daemon.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "kvadmin_jobs_submitted_total", Help: "Bulk-operation jobs submitted"})
	JobsFinished  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "kvadmin_jobs_finished_total", Help: "Jobs that reached a terminal status"}, []string{"status"})
	EventsLogged  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "kvadmin_job_events_total", Help: "Lifecycle events appended to the timeline"}, []string{"type"})
	WatchSessions = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kvadmin_watch_sessions", Help: "Open WebSocket progress sessions"})
	WatchMessages = prometheus.NewCounter(prometheus.CounterOpts{Name: "kvadmin_watch_messages_total", Help: "Progress frames pushed over WebSocket"})
	KeysProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "kvadmin_keys_processed_total", Help: "Keys touched by bulk operations"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsFinished,
			EventsLogged,
			WatchSessions,
			WatchMessages,
			KeysProcessed,
		)
	})
	return promhttp.Handler()
}
