// Package metrics provides Prometheus instrumentation for the execution engine.
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
	// BrokerRequestsTotal counts broker API calls by broker, operation and outcome.
	BrokerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_broker_requests_total",
		Help: "Total broker API requests",
	}, []string{"broker", "operation", "outcome"})

	// BrokerRequestDuration tracks broker API latency.
	BrokerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "executor_broker_request_duration_seconds",
		Help:    "Broker API request duration in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"broker", "operation"})

	// BrokerCircuitState is 0 closed, 1 half-open, 2 open.
	BrokerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "executor_broker_circuit_state",
		Help: "Broker circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"broker"})

	// OrdersTotal counts persisted orders by broker, side and resulting status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_orders_total",
		Help: "Total orders placed",
	}, []string{"broker", "side", "status"})

	// ExecutionsTotal counts leg × allocation executions by type and status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_executions_total",
		Help: "Total leg executions",
	}, []string{"execution_type", "status"})

	// QueueEnqueued counts messages accepted onto the execution queue.
	QueueEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_queue_enqueued_total",
		Help: "Execution messages enqueued",
	}, []string{"priority"})

	// QueueDeduplicated counts messages dropped by the deduplication key.
	QueueDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_queue_deduplicated_total",
		Help: "Execution messages dropped as duplicates",
	})

	// QueueDepth tracks ready plus delayed messages.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "executor_queue_depth",
		Help: "Execution messages waiting for a consumer",
	})

	// EventsTotal counts handled events by detail type and outcome.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_events_total",
		Help: "Events handled",
	}, []string{"detail_type", "outcome"})

	// EventHandlerDuration tracks handler latency by detail type.
	EventHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "executor_event_handler_duration_seconds",
		Help:    "Event handler duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"detail_type"})

	// TicksTotal counts timer loop ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_ticks_total",
		Help: "Timer loop ticks",
	})

	// ActiveUsers is the number of users emitted on the last tick.
	ActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "executor_active_users",
		Help: "Active users on the last tick",
	})

	// DuplicatesFlagged counts orders flagged by duplicate detection.
	DuplicatesFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_duplicates_flagged_total",
		Help: "Orders flagged as duplicates",
	}, []string{"strategy"})

	// RiskExits counts exits triggered by risk checks.
	RiskExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_risk_exits_total",
		Help: "Exits triggered by stop-loss, target or trailing stop",
	}, []string{"reason"})

	// RetriesScheduled counts re-executions enqueued.
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_retries_scheduled_total",
		Help: "Failed executions re-enqueued",
	})

	// ReEntriesScheduled counts re-entries enqueued.
	ReEntriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_reentries_scheduled_total",
		Help: "Strategy re-entries enqueued",
	})

	// StreamNotifications counts stream deliveries by outcome.
	StreamNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_stream_notifications_total",
		Help: "Notifications delivered to or dropped for stream subscribers",
	}, []string{"outcome"})

	// StreamSubscribers tracks connected stream subscribers.
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "executor_stream_subscribers",
		Help: "Connected notification stream subscribers",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})
)

// ObserveBroker records one broker call.
func ObserveBroker(broker, operation string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BrokerRequestsTotal.WithLabelValues(broker, operation, outcome).Inc()
	BrokerRequestDuration.WithLabelValues(broker, operation).Observe(time.Since(started).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
