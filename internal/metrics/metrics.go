// Package metrics exposes the crawl core's prometheus gauges and counters
// (SPEC_FULL.md §3/Design Note), grounded on the pack's prometheus/client_golang
// usage for process-level instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CycleSitesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_cycle_sites_total",
		Help: "Total sites dispatched across all crawl cycles.",
	})
	CycleSitesAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_cycle_sites_abandoned",
		Help: "Sites abandoned after exceeding max_site_retries within a cycle.",
	})
	CycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawl_cycle_duration_seconds",
		Help:    "Wall-clock duration of one full crawl cycle.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15),
	})
	PagesVisitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_pages_visited_total",
		Help: "Total pages visited (fetched, regardless of outcome).",
	})
	MediaBytesStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_media_bytes_stored_total",
		Help: "Total bytes of media uploaded to the object store.",
	})
	OverlayHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawl_overlay_healthy",
		Help: "1 if the named overlay transport is healthy, else 0.",
	}, []string{"kind"})
)

// Serve starts the /metrics HTTP endpoint; callers run it in its own
// goroutine and let it die with the process (ListenAndServe blocks).
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
