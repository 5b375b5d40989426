// Package metrics exposes Prometheus collectors for the sniper service.
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
	messagesIngestedTotal      *prometheus.CounterVec
	messagesDedupedTotal       prometheus.Counter
	flushBatchesTotal          *prometheus.CounterVec
	flushedMessagesTotal       prometheus.Counter
	accountsConnected          prometheus.Gauge
	proxyLeases                *prometheus.GaugeVec
	aiCallsTotal               *prometheus.CounterVec
	lifecycleTransitionsTotal  *prometheus.CounterVec
	pendingQueueDepth          prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		messagesIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_messages_ingested_total",
				Help: "Total inbound messages accepted by the pipeline, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		messagesDedupedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sniper_messages_deduped_total",
				Help: "Total inbound messages dropped by the seen-marker short circuit.",
			},
		)

		flushBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_flush_batches_total",
				Help: "Total flush batches processed, labeled by status.",
			},
			[]string{"status"},
		)

		flushedMessagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sniper_flushed_messages_total",
				Help: "Total messages written to durable storage.",
			},
		)

		accountsConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sniper_accounts_connected",
				Help: "Number of account sessions currently connected.",
			},
		)

		proxyLeases = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sniper_proxy_leases",
				Help: "Current lease count per proxy endpoint.",
			},
			[]string{"endpoint"},
		)

		aiCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_ai_calls_total",
				Help: "Total AI completion calls, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		lifecycleTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sniper_lifecycle_transitions_total",
				Help: "Total chat status transitions, labeled by target status.",
			},
			[]string{"to"},
		)

		pendingQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sniper_pending_queue_depth",
				Help: "Current depth of the pending-message queue.",
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

// ObserveIngest records one pipeline admission decision.
func ObserveIngest(outcome string) {
	Init()
	messagesIngestedTotal.WithLabelValues(outcome).Inc()
}

// ObserveDedup records one seen-marker hit.
func ObserveDedup() {
	Init()
	messagesDedupedTotal.Inc()
}

// ObserveFlush records one flush batch and the rows it wrote.
func ObserveFlush(status string, written int64) {
	Init()
	flushBatchesTotal.WithLabelValues(status).Inc()
	if written > 0 {
		flushedMessagesTotal.Add(float64(written))
	}
}

// SetAccountsConnected updates the connected-session gauge.
func SetAccountsConnected(n int) {
	Init()
	accountsConnected.Set(float64(n))
}

// SetProxyLease updates the lease gauge for one endpoint.
func SetProxyLease(endpoint string, n int) {
	Init()
	proxyLeases.WithLabelValues(endpoint).Set(float64(n))
}

// ObserveAICall records one completion call.
func ObserveAICall(kind, outcome string) {
	Init()
	aiCallsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveTransition records one lifecycle status transition.
func ObserveTransition(to string) {
	Init()
	lifecycleTransitionsTotal.WithLabelValues(to).Inc()
}

// SetQueueDepth updates the pending-queue depth gauge.
func SetQueueDepth(depth int64) {
	Init()
	pendingQueueDepth.Set(float64(depth))
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, statusText(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
