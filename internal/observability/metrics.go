package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "freight_dispatch"

var (
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_transitions_total", Help: "Accepted job status transitions"},
		[]string{"from", "to"},
	)
	BidActions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bid_actions_total", Help: "Bid ledger operations by action"},
		[]string{"action"},
	)
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bid_accept_conflicts_total", Help: "Bid accepts rejected because the job already moved on"})
	Payments        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payment status changes"},
		[]string{"status"},
	)
	PaymentsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_expired_total", Help: "PAYMENT_PENDING jobs moved by the expiry sweeper"},
		[]string{"policy"},
	)
	Settlements        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "settlements_total", Help: "Job payment earnings created"})
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "settlement_failures_total", Help: "Completed jobs whose settlement failed"})
	DriverStatus       = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_status_changes_total", Help: "Driver availability changes"},
		[]string{"status"},
	)
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location reports accepted"})

	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_connections", Help: "Open realtime connections"})
	BroadcastsSent      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_sent_total", Help: "Realtime messages enqueued"})
	BroadcastsDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_dropped_total", Help: "Realtime messages dropped on a full buffer"})
	PublishFailures     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_publish_failures_total", Help: "Domain events the broker did not accept"},
		[]string{"broker"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
