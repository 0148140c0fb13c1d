// Package metrics exposes Prometheus collectors for the scheduler.
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
	queueDocuments             *prometheus.GaugeVec
	stuffAmount                prometheus.Gauge
	documentsTotal             *prometheus.CounterVec
	poolResetsTotal            *prometheus.CounterVec
	interruptionsTotal         *prometheus.CounterVec
	documentPriority           prometheus.Histogram
	carrydownRequeuesTotal     prometheus.Counter
	activityTotal              *prometheus.CounterVec
	activityBytesTotal         *prometheus.CounterVec
	jobTransitionsTotal        *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	throttleWaitSeconds        prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueDocuments = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlsched_queue_documents",
				Help: "Documents waiting in a pool queue, labeled by pool.",
			},
			[]string{"pool"},
		)

		stuffAmount = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlsched_stuff_amount",
				Help: "Current adaptive batch size of the fetch stuffer.",
			},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_documents_total",
				Help: "Documents finished by a pool, labeled by pool and outcome.",
			},
			[]string{"pool", "outcome"},
		)

		poolResetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_pool_resets_total",
				Help: "Pool-wide resets after infrastructure failures.",
			},
			[]string{"pool"},
		)

		interruptionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_service_interruptions_total",
				Help: "Service interruptions reported by connectors or outputs.",
			},
			[]string{"pool"},
		)

		documentPriority = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlsched_document_priority",
				Help:    "Distribution of computed document priorities.",
				Buckets: []float64{0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15},
			},
		)

		carrydownRequeuesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlsched_carrydown_requeues_total",
				Help: "Documents requeued because their carrydown data changed.",
			},
		)

		activityTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_activity_total",
				Help: "Connection activity records, labeled by connection, activity and result.",
			},
			[]string{"connection", "activity", "result"},
		)

		activityBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_activity_bytes_total",
				Help: "Bytes moved by connection activity, labeled by connection.",
			},
			[]string{"connection"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_job_transitions_total",
				Help: "Job status transitions, labeled by the new status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlsched_active_workers",
				Help: "Workers currently processing a batch, labeled by pool.",
			},
			[]string{"pool"},
		)

		throttleWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlsched_throttle_wait_seconds",
				Help:    "Histogram of per-bin fetch throttle waits.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueDepth records the number of queued documents of a pool.
func SetQueueDepth(pool string, depth int) {
	Init()
	queueDocuments.WithLabelValues(pool).Set(float64(depth))
}

// SetStuffAmount records the fetch stuffer's current batch size.
func SetStuffAmount(n int) {
	Init()
	stuffAmount.Set(float64(n))
}

// ObserveDocuments counts n documents finished by pool with outcome.
func ObserveDocuments(pool, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	documentsTotal.WithLabelValues(pool, outcome).Add(float64(n))
}

// ObserveReset counts a pool reset.
func ObserveReset(pool string) {
	Init()
	poolResetsTotal.WithLabelValues(pool).Inc()
}

// ObserveInterruption counts a service interruption seen by pool.
func ObserveInterruption(pool string) {
	Init()
	interruptionsTotal.WithLabelValues(pool).Inc()
}

// ObservePriority records a computed document priority. Infinite priorities
// fall into the +Inf bucket.
func ObservePriority(p float64) {
	Init()
	documentPriority.Observe(p)
}

// ObserveCarrydownRequeue counts documents requeued for carrydown changes.
func ObserveCarrydownRequeue(n int) {
	if n <= 0 {
		return
	}
	Init()
	carrydownRequeuesTotal.Add(float64(n))
}

// ObserveActivity counts one connection activity record.
func ObserveActivity(connection, activity, result string, bytes int64) {
	Init()
	activityTotal.WithLabelValues(connection, activity, result).Inc()
	if bytes > 0 {
		activityBytesTotal.WithLabelValues(connection).Add(float64(bytes))
	}
}

// ObserveJobTransition counts a job entering status.
func ObserveJobTransition(status string) {
	Init()
	jobTransitionsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge of pool.
func IncActiveWorkers(pool string) {
	Init()
	activeWorkers.WithLabelValues(pool).Inc()
}

// DecActiveWorkers decrements the active workers gauge of pool.
func DecActiveWorkers(pool string) {
	Init()
	activeWorkers.WithLabelValues(pool).Dec()
}

// ObserveThrottleWait records the duration of a throttle wait.
func ObserveThrottleWait(duration time.Duration) {
	Init()
	throttleWaitSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
