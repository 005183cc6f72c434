// Package metrics exposes Prometheus collectors for the scraper and notifier.
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
	pagesScrapedTotal          *prometheus.CounterVec
	candidatesTotal            *prometheus.CounterVec
	validationsTotal           *prometheus.CounterVec
	queuePublishesTotal        *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	identityEventPagesTotal    prometheus.Counter
	iterationsTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times, and every Observe function calls it.
func Init() {
	once.Do(func() {
		pagesScrapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesearch_pages_scraped_total",
				Help: "Search result pages fetched, labeled by status.",
			},
			[]string{"status"},
		)

		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesearch_candidates_total",
				Help: "Candidates seen by the scraper, labeled by stage (extracted, new).",
			},
			[]string{"stage"},
		)

		validationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesearch_validations_total",
				Help: "Credential validations, labeled by outcome and reason.",
			},
			[]string{"outcome", "reason"},
		)

		queuePublishesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesearch_queue_publishes_total",
				Help: "Confirmed candidates published to the queue, labeled by result.",
			},
			[]string{"result"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesearch_notifications_total",
				Help: "Queue messages handled by the notifier, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		identityEventPagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "codesearch_identity_event_pages_total",
				Help: "Public event feed pages fetched while resolving contacts.",
			},
		)

		iterationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesearch_iterations_total",
				Help: "Worker iterations, labeled by worker and result.",
			},
			[]string{"worker", "result"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codesearch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"limiter"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage counts one search page fetch.
func ObservePage(status string) {
	Init()
	pagesScrapedTotal.WithLabelValues(status).Inc()
}

// ObserveCandidates records how many candidates a page yielded and how many
// of them had not been seen before.
func ObserveCandidates(extracted, fresh int) {
	Init()
	candidatesTotal.WithLabelValues("extracted").Add(float64(extracted))
	candidatesTotal.WithLabelValues("new").Add(float64(fresh))
}

// ObserveValidation counts one validation outcome.
func ObserveValidation(valid bool, reason string) {
	Init()
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	validationsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObservePublish counts one queue publish attempt.
func ObservePublish(err error) {
	Init()
	queuePublishesTotal.WithLabelValues(result(err)).Inc()
}

// ObserveNotification counts one notifier message outcome.
func ObserveNotification(outcome string) {
	Init()
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEventPage counts one identity events page request.
func ObserveEventPage() {
	Init()
	identityEventPagesTotal.Inc()
}

// ObserveIteration counts one worker iteration.
func ObserveIteration(worker string, err error) {
	Init()
	iterationsTotal.WithLabelValues(worker, result(err)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
