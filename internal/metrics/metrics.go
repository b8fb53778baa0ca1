// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestRecordsTotal           *prometheus.CounterVec
	harvestHealthChecksTotal      *prometheus.CounterVec
	harvestHealthRecoveriesTotal  *prometheus.CounterVec
	harvestResolutionsTotal       *prometheus.CounterVec
	harvestDownloadsTotal         *prometheus.CounterVec
	harvestDownloadBytesTotal     *prometheus.CounterVec
	harvestDownloadDuration       *prometheus.HistogramVec
	harvestDownloadRetriesTotal   *prometheus.CounterVec
	harvestActiveDownloads        prometheus.Gauge
	harvestRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_records_total",
				Help: "Records passing through each pipeline stage, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		harvestHealthChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_health_checks_total",
				Help: "Page health classifications, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		harvestHealthRecoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_health_recoveries_total",
				Help: "Anomalous page recoveries, labeled by outcome (waited, reloaded, exhausted).",
			},
			[]string{"outcome"},
		)

		harvestResolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_resolutions_total",
				Help: "Artifact resolutions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvestDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_downloads_total",
				Help: "Completed download attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		harvestDownloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_download_bytes_total",
				Help: "Verified artifact bytes written, labeled by site.",
			},
			[]string{"site"},
		)

		harvestDownloadDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_download_duration_seconds",
				Help:    "Histogram of download durations, labeled by site.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		harvestDownloadRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_download_retries_total",
				Help: "Download retries, labeled by failure reason.",
			},
			[]string{"reason"},
		)

		harvestActiveDownloads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_downloads",
				Help: "Number of downloads currently in flight.",
			},
		)

		harvestRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveRecord counts a record leaving stage with outcome.
func ObserveRecord(stage, outcome string) {
	Init()
	harvestRecordsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveHealth counts a page classification.
func ObserveHealth(verdict string) {
	Init()
	harvestHealthChecksTotal.WithLabelValues(verdict).Inc()
}

// ObserveRecovery counts the outcome of an anomalous-page recovery.
func ObserveRecovery(outcome string) {
	Init()
	harvestHealthRecoveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveResolution counts an artifact resolution outcome.
func ObserveResolution(outcome string) {
	Init()
	harvestResolutionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDownload records a finished download attempt.
func ObserveDownload(rawURL, outcome string, bytesWritten int64, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	harvestDownloadsTotal.WithLabelValues(site, outcome).Inc()
	if bytesWritten > 0 {
		harvestDownloadBytesTotal.WithLabelValues(site).Add(float64(bytesWritten))
	}
	harvestDownloadDuration.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveDownloadRetry counts a retry scheduled after a transient failure.
func ObserveDownloadRetry(reason string) {
	Init()
	harvestDownloadRetriesTotal.WithLabelValues(reason).Inc()
}

// IncActiveDownloads increments the in-flight downloads gauge.
func IncActiveDownloads() {
	Init()
	harvestActiveDownloads.Inc()
}

// DecActiveDownloads decrements the in-flight downloads gauge.
func DecActiveDownloads() {
	Init()
	harvestActiveDownloads.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	harvestRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
