// Package metrics exposes Prometheus collectors for the listing crawler.
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
	parseAttemptsTotal         *prometheus.CounterVec
	classificationsTotal       *prometheus.CounterVec
	pageVerdictsTotal          *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		parseAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_parse_attempts_total",
				Help: "Total date parse attempts, labeled by matched pattern kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		classificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_classifications_total",
				Help: "Total listing URL classifications, labeled by result.",
			},
			[]string{"result"},
		)

		pageVerdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_page_verdicts_total",
				Help: "Per-page stopping verdicts, labeled by city and verdict.",
			},
			[]string{"city", "verdict"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listings_runs_total",
				Help: "Total crawl runs finished, labeled by status and mode.",
			},
			[]string{"status", "mode"},
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listings_active_workers",
				Help: "Number of workers currently crawling a city.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveParse increments the parse attempt counter for a pattern kind.
func ObserveParse(kind string, succeeded bool) {
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	parseAttemptsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveClassification increments the classification counter.
func ObserveClassification(result string) {
	classificationsTotal.WithLabelValues(result).Inc()
}

// ObservePageVerdict increments the per-page verdict counter.
func ObservePageVerdict(city string, verdict string) {
	pageVerdictsTotal.WithLabelValues(city, verdict).Inc()
}

// ObserveRun increments the finished-run counter.
func ObserveRun(status string, mode string) {
	runsTotal.WithLabelValues(status, mode).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
