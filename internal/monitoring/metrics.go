package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsTotal tracks completed download attempts by final state
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substream_downloads_total",
			Help: "Total number of finished downloads by final state",
		},
		[]string{"state"},
	)

	// DownloadDuration tracks download duration in seconds
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "substream_download_duration_seconds",
			Help:    "Download duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// ActiveDownloads tracks number of downloads currently writing
	ActiveDownloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "substream_active_downloads",
			Help: "Number of active downloads",
		},
	)

	// QueueRevision exposes the download queue revision counter
	QueueRevision = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "substream_queue_revision",
			Help: "Monotonic revision of the download queue",
		},
	)

	// CacheUsedBytes tracks bytes held in the media cache
	CacheUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "substream_cache_used_bytes",
			Help: "Bytes used by cached media files",
		},
	)

	// EvictionsTotal tracks cache evictions
	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "substream_cache_evictions_total",
			Help: "Total number of evicted cached files",
		},
	)

	// OfflineActionsRecorded tracks deferred actions recorded while offline
	OfflineActionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substream_offline_actions_recorded_total",
			Help: "Total offline actions recorded by kind",
		},
		[]string{"kind"},
	)

	// SyncActionsTotal tracks offline action replay outcomes
	SyncActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substream_sync_actions_total",
			Help: "Total offline actions replayed against the catalog by result",
		},
		[]string{"result"},
	)

	// IdentitySeedsTotal tracks identity pre-fetch attempts
	IdentitySeedsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substream_identity_seeds_total",
			Help: "Total identity seeding attempts by result",
		},
		[]string{"result"},
	)

	// CatalogRequestsTotal tracks catalog API requests by operation and status
	CatalogRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substream_catalog_requests_total",
			Help: "Total number of catalog service requests",
		},
		[]string{"operation", "status"},
	)
)

// RecordDownloadFinished records a finished download attempt
func RecordDownloadFinished(state string, duration time.Duration) {
	DownloadsTotal.WithLabelValues(state).Inc()
	if state == "complete" {
		DownloadDuration.Observe(duration.Seconds())
	}
}

// RecordCatalogRequest records a catalog API request
func RecordCatalogRequest(operation, status string) {
	CatalogRequestsTotal.WithLabelValues(operation, status).Inc()
}
