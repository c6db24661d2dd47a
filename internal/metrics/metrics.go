// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperFetchesTotal        *prometheus.CounterVec
	scraperFetchDurationSecs   *prometheus.HistogramVec
	scraperListingsTotal       *prometheus.CounterVec
	scraperExtractionsTotal    *prometheus.CounterVec
	scraperDeliveriesTotal     *prometheus.CounterVec
	scraperQuotaUsed           prometheus.Gauge
	scraperPacingDelaysSeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetches_total",
				Help: "Total fetch attempts, labeled by transport and outcome.",
			},
			[]string{"transport", "outcome"},
		)

		scraperFetchDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by transport.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
			[]string{"transport"},
		)

		scraperListingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_listings_total",
				Help: "Total listings processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperExtractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_extractions_total",
				Help: "Total extraction passes, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		scraperDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_deliveries_total",
				Help: "Total sink deliveries, labeled by result.",
			},
			[]string{"result"},
		)

		scraperQuotaUsed = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_quota_used",
				Help: "Requests consumed from the per-run quota.",
			},
		)

		scraperPacingDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_pacing_delays_seconds",
				Help:    "Histogram of inter-request pacing waits.",
				Buckets: []float64{0.5, 1, 1.5, 2, 2.5, 3},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(transport, outcome string, duration time.Duration) {
	scraperFetchesTotal.WithLabelValues(transport, outcome).Inc()
	if duration > 0 {
		scraperFetchDurationSecs.WithLabelValues(transport).Observe(duration.Seconds())
	}
}

// ObserveListing increments the listing counter for the given outcome.
func ObserveListing(outcome string) {
	scraperListingsTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtraction increments the extraction counter for the given strategy.
func ObserveExtraction(strategy string) {
	scraperExtractionsTotal.WithLabelValues(strategy).Inc()
}

// ObserveDelivery increments the delivery counter for the given result.
func ObserveDelivery(result string) {
	scraperDeliveriesTotal.WithLabelValues(result).Inc()
}

// SetQuotaUsed updates the quota gauge.
func SetQuotaUsed(used int) {
	scraperQuotaUsed.Set(float64(used))
}

// ObservePacingDelay records the duration of one pacing wait.
func ObservePacingDelay(duration time.Duration) {
	scraperPacingDelaysSeconds.Observe(duration.Seconds())
}
