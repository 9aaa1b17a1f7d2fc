package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hookflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	QueueActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "queue_actions_total",
			Help:      "Messages settled by consumers, by action.",
		},
		[]string{"consumer", "action"},
	)

	TaskResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "task_results_total",
			Help:      "Task results processed by the scheduler.",
		},
		[]string{"type", "outcome"},
	)

	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "task_retries_total",
			Help:      "Tasks re-enqueued after a retryable failure.",
		},
		[]string{"type"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts.",
		},
		[]string{"event", "outcome"},
	)

	WebhookDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hookflow",
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Time spent waiting on webhook receivers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	WebhookBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "webhook_blocked_total",
			Help:      "Webhook deliveries refused before sending.",
		},
		[]string{"reason"},
	)

	WebhookRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hookflow",
			Name:      "webhook_retries_total",
			Help:      "Webhook deliveries scheduled for retry.",
		},
	)
)

func RegisterMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QueueActionsTotal,
		TaskResultsTotal,
		TaskRetriesTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		WebhookBlockedTotal,
		WebhookRetriesTotal,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records basic HTTP request metrics.
func HTTPMetricsMiddleware(rt Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			route := rt.Name(r)
			HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}
