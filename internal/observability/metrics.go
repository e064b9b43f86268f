// Package observability provides Prometheus metrics, health checks, and
// request logging.
//
// Uses github.com/prometheus/client_golang, the official Prometheus client;
// metrics register themselves via promauto.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus metrics.
//
// The ones worth alerting on:
//   - events_received_total vs events_duplicate_total: inbound pressure
//   - events_failed_total: fatal processing errors
//   - deliveries_dead_letter_total: endpoints needing manual replay
type Metrics struct {
	EventsReceived  *prometheus.CounterVec
	EventsDuplicate *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	EventsProcessed prometheus.Counter
	EventsFailed    prometheus.Counter

	DeliveryAttempts     prometheus.Counter
	DeliveriesDelivered  prometheus.Counter
	DeliveriesRetrying   prometheus.Counter
	DeliveriesThrottled  prometheus.Counter
	DeliveriesDeadLetter prometheus.Counter
	DeliveryDuration     prometheus.Histogram

	MetricsRecomputes prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics under the namespace
// (e.g. "callrelay_events_received_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound webhook events accepted and stored",
		}, []string{"provider"}),
		EventsDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Inbound events short-circuited by idempotency",
		}, []string{"provider"}),
		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Inbound requests rejected before storage",
		}, []string{"provider", "reason"}),
		EventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events folded into call records",
		}),
		EventsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Events that failed processing permanently",
		}),

		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Outbound delivery attempts made",
		}),
		DeliveriesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_delivered_total",
			Help:      "Events delivered to tenant endpoints",
		}),
		DeliveriesRetrying: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_retrying_total",
			Help:      "Delivery attempts scheduled for retry",
		}),
		DeliveriesThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_throttled_total",
			Help:      "Deliveries deferred by rate limiting or an open circuit",
		}),
		DeliveriesDeadLetter: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dead_letter_total",
			Help:      "Events dead-lettered after exhausting retries",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of outbound delivery attempts",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		MetricsRecomputes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_metrics_recomputes_total",
			Help:      "Daily rollup recomputations",
		}),

		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path, and status",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
