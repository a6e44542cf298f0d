// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptor",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Payment webhook deliveries by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "promptor",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Payment webhook handling latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway"})

	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptor",
		Subsystem: "checkout",
		Name:      "initiated_total",
		Help:      "Checkouts started by gateway and target kind.",
	}, []string{"gateway", "kind"})

	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptor",
		Subsystem: "checkout",
		Name:      "purchases_total",
		Help:      "Purchases reaching a terminal status.",
	}, []string{"status"})

	LedgerTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptor",
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Committed credit transactions by reason.",
	}, []string{"reason"})

	OutboxTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptor",
		Subsystem: "outbox",
		Name:      "tasks_total",
		Help:      "Outbox task attempts by kind and result.",
	}, []string{"kind", "result"})

	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptor",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "AI provider calls by provider kind and result.",
	}, []string{"provider", "result"})
)
