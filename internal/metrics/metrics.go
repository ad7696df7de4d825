// Package metrics exposes Prometheus collectors for the plugin crawler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	hostRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugincrawler_host_requests_total",
			Help: "Total number of code host API requests, labeled by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	hostRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plugincrawler_host_request_duration_seconds",
			Help:    "Histogram of code host API latencies, labeled by endpoint.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plugincrawler_rate_limit_delays_seconds",
			Help:    "Histogram of rate limiter wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"bucket"},
	)

	shardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugincrawler_shards_total",
			Help: "Total number of shards processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	itemsIndexedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugincrawler_items_indexed_total",
			Help: "Total number of new index items, labeled by source pipeline.",
		},
		[]string{"source"},
	)

	itemsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugincrawler_items_skipped_total",
			Help: "Total number of search hits not indexed, labeled by reason.",
		},
		[]string{"reason"},
	)

	authorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugincrawler_authors_total",
			Help: "Total number of authors handled by the expansion crawler, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	clonesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugincrawler_clones_total",
			Help: "Total number of shallow clones, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	indexItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plugincrawler_index_items",
			Help: "Number of items in the published index.",
		},
	)

	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugincrawler_cycles_total",
			Help: "Total number of crawl cycles, labeled by status.",
		},
		[]string{"status"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHostRequest records one code host API call.
func ObserveHostRequest(endpoint string, code int, duration time.Duration) {
	hostRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	hostRequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(bucket string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(bucket).Observe(duration.Seconds())
}

// ObserveShard counts a processed shard by outcome (done, split, overflow, failed).
func ObserveShard(outcome string) {
	shardsTotal.WithLabelValues(outcome).Inc()
}

// ObserveItemsIndexed counts new index items from a pipeline (search, authors).
func ObserveItemsIndexed(source string, n int) {
	if n > 0 {
		itemsIndexedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveItemSkipped counts a hit that was not indexed.
func ObserveItemSkipped(reason string) {
	itemsSkippedTotal.WithLabelValues(reason).Inc()
}

// ObserveAuthor counts an author outcome (processed, fresh, too_many_repos, failed).
func ObserveAuthor(outcome string) {
	authorsTotal.WithLabelValues(outcome).Inc()
}

// ObserveClone counts a clone outcome (match, no_match, timeout, error).
func ObserveClone(outcome string) {
	clonesTotal.WithLabelValues(outcome).Inc()
}

// SetIndexItems sets the index size gauge.
func SetIndexItems(n int) {
	indexItems.Set(float64(n))
}

// ObserveCycle counts a finished cycle by status.
func ObserveCycle(status string) {
	cyclesTotal.WithLabelValues(status).Inc()
}
