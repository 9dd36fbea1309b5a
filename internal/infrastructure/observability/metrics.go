package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	PurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_purchases_total",
			Help: "Lead purchase attempts by outcome",
		},
		[]string{"outcome"},
	)

	CheckoutItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_items_total",
			Help: "Checkout cart items by outcome",
		},
		[]string{"outcome"},
	)

	LedgerMovementCents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_movement_cents_total",
			Help: "Sum of applied ledger debits and credits in cents",
		},
		[]string{"kind"},
	)

	PaymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Applied payment status transitions",
		},
		[]string{"gateway", "status"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_webhooks_total",
			Help: "Gateway webhook deliveries by result",
		},
		[]string{"gateway", "result"},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RepositoryCalls,
			RepositoryDuration,
			PurchasesTotal,
			CheckoutItems,
			LedgerMovementCents,
			PaymentTransitions,
			WebhooksTotal,
		)
	})
}
