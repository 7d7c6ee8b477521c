package util

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of the service. It is created once in main
// against a registry and handed to the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	CheckoutsStarted   prometheus.Counter
	CheckoutsSucceeded prometheus.Counter
	CheckoutsFailed    *prometheus.CounterVec
	CheckoutDuration   prometheus.Histogram

	ReservationsFailed *prometheus.CounterVec
	ReserveLatency     prometheus.Histogram

	PaymentAttemptsTotal     prometheus.Counter
	PaymentOutcomes          *prometheus.CounterVec
	PaymentRetries           prometheus.Counter
	PaymentProcessingLatency prometheus.Histogram

	CompensationsTotal  *prometheus.CounterVec
	CompensationsFailed *prometheus.CounterVec

	OrdersReconciled      *prometheus.CounterVec
	OrphanedHoldsReleased prometheus.Counter
	CallbacksRejected     prometheus.Counter

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
}

// NewMetrics registers the service collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CheckoutsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkouts_started_total",
			Help: "Total number of checkout attempts started",
		}),

		CheckoutsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "checkouts_succeeded_total",
			Help: "Total number of checkouts that ended with a paid order",
		}),

		CheckoutsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkouts_failed_total",
			Help: "Total number of failed checkouts",
		}, []string{"reason"}),

		CheckoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkout_duration_seconds",
			Help:    "End to end latency of the checkout saga",
			Buckets: prometheus.DefBuckets,
		}),

		ReservationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_reservations_failed_total",
			Help: "Total number of failed inventory reservations",
		}, []string{"reason"}),

		ReserveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "inventory_reserve_latency_seconds",
			Help:    "Latency of reserving every line item of a checkout",
			Buckets: prometheus.DefBuckets,
		}),

		PaymentAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_attempts_total",
			Help: "Total number of charge calls issued to the gateway",
		}),

		PaymentOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_outcomes_total",
			Help: "Definitive payment outcomes seen by checkout",
		}, []string{"outcome"}),

		PaymentRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_retries_total",
			Help: "Total number of charge retries after a transient error",
		}),

		PaymentProcessingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_processing_latency_seconds",
			Help:    "Latency of payment processing",
			Buckets: prometheus.DefBuckets,
		}),

		CompensationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "compensations_total",
			Help: "Total number of compensating actions executed",
		}, []string{"step"}),

		CompensationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "compensations_failed_total",
			Help: "Compensating actions that exhausted their retry budget",
		}, []string{"step"}),

		OrdersReconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_reconciled_total",
			Help: "Orders driven to a terminal state by the reconciler",
		}, []string{"status"}),

		OrphanedHoldsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "orphaned_holds_released_total",
			Help: "Reservations released because their attempt never created an order",
		}),

		CallbacksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_callbacks_rejected_total",
			Help: "Payment callbacks refused by order status validation",
		}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
	}
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
