package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_recorded_total",
		Help: "Total number of orders recorded from confirmed payments",
	})

	DuplicateReconciliationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_reconciliations_total",
		Help: "Total number of reconcile calls short-circuited by the idempotency check",
	})

	ReconcileFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_failed_total",
		Help: "Total number of failed reconciliations",
	}, []string{"reason"})

	StockDecrementsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_decrements_failed_total",
		Help: "Total number of line-item stock decrements that failed after order creation",
	})

	StockDepletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_depleted_total",
		Help: "Total number of products driven to zero stock by a purchase",
	})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_latency_seconds",
		Help:    "Latency of the full reconciliation flow",
		Buckets: prometheus.DefBuckets,
	})

	PaymentVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Total number of payment gateway verification calls",
	}, []string{"status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
