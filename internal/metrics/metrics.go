// Package metrics exposes Prometheus collectors for the photo overlay service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	geosearchRequestsTotal        *prometheus.CounterVec
	geosearchDurationSeconds      prometheus.Histogram
	overlayRowsDroppedTotal       *prometheus.CounterVec
	overlayPhotosAddedTotal       prometheus.Counter
	overlayViewportSkippedTotal   prometheus.Counter
	overlaysAttached              prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	geosearchRateLimitDelaySecond *prometheus.HistogramVec
	geosearchActiveWorkers        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		geosearchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_geosearch_requests_total",
				Help: "Total number of geosearch queries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		geosearchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "overlay_geosearch_duration_seconds",
				Help:    "Histogram of geosearch query latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		overlayRowsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_rows_dropped_total",
				Help: "Total number of geosearch rows not shown, labeled by reason.",
			},
			[]string{"reason"},
		)

		overlayPhotosAddedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "overlay_photos_added_total",
				Help: "Total number of photos handed to renderers.",
			},
		)

		overlayViewportSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "overlay_viewport_skipped_total",
				Help: "Viewport changes ignored because the map moved less than the threshold.",
			},
		)

		overlaysAttached = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlay_attached",
				Help: "Number of overlays currently attached to a map.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		geosearchActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlay_geosearch_active_workers",
				Help: "Number of dispatcher workers currently running a geosearch query.",
			},
		)

		geosearchRateLimitDelaySecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlay_geosearch_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations before geosearch queries.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveGeosearch records the outcome and latency of a geosearch query.
func ObserveGeosearch(outcome string, duration time.Duration) {
	Init()
	geosearchRequestsTotal.WithLabelValues(outcome).Inc()
	geosearchDurationSeconds.Observe(duration.Seconds())
}

// ObserveRowDropped counts a row filtered out before rendering.
func ObserveRowDropped(reason string) {
	Init()
	overlayRowsDroppedTotal.WithLabelValues(reason).Inc()
}

// ObservePhotosAdded counts photos handed to a renderer.
func ObservePhotosAdded(n int) {
	Init()
	if n > 0 {
		overlayPhotosAddedTotal.Add(float64(n))
	}
}

// ObserveViewportSkipped counts a viewport change below the movement threshold.
func ObserveViewportSkipped() {
	Init()
	overlayViewportSkippedTotal.Inc()
}

// IncAttached increments the attached overlays gauge.
func IncAttached() {
	Init()
	overlaysAttached.Inc()
}

// DecAttached decrements the attached overlays gauge.
func DecAttached() {
	Init()
	overlaysAttached.Dec()
}

// IncActiveWorkers increments the busy geosearch worker count.
func IncActiveWorkers() {
	Init()
	geosearchActiveWorkers.Inc()
}

// DecActiveWorkers decrements the busy geosearch worker count.
func DecActiveWorkers() {
	Init()
	geosearchActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	geosearchRateLimitDelaySecond.WithLabelValues(host).Observe(duration.Seconds())
}
