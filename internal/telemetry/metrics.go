package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ReportsStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_reports_start_total", Help: "Start reports accepted"})
	ReportsProgress  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_reports_progress_total", Help: "Progress reports accepted"})
	ReportsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_reports_complete_total", Help: "Complete reports accepted"})
	ReportsNotFound  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_reports_not_found_total", Help: "Reports referencing unknown job ids"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_rate_limit_rejects_total", Help: "Reports rejected by rate limiter"})
	BroadcastEvents  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_broadcast_events_total", Help: "Events published to the hub"})
	BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_broadcast_dropped_total", Help: "Event deliveries dropped for slow observers"})
	ObserversGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dashboard_observers", Help: "Currently connected live observers"})
	ArchiveUploads   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_archive_uploads_total", Help: "Completed job transcripts archived"})
	ArchiveFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dashboard_archive_failures_total", Help: "Transcript archive attempts that failed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsStarted,
			ReportsProgress,
			ReportsCompleted,
			ReportsNotFound,
			RateLimitRejects,
			BroadcastEvents,
			BroadcastDropped,
			ObserversGauge,
			ArchiveUploads,
			ArchiveFailures,
		)
	})
	return promhttp.Handler()
}
