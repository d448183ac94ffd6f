// Package metrics centralizes the gateway's Prometheus counters and
// histograms. Grounded on the teacher's DebugMetricsHandler — a small
// fixed set of named counters (orders/refunds/payments) exposed over
// HTTP — generalized from teacher's atomic int64 package variables to
// prometheus/client_golang collectors so the /metrics endpoint scrapes
// in the standard format instead of a bespoke JSON map.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AddressesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_addresses_issued_total",
		Help: "Payment addresses issued.",
	})
	AddressesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_addresses_expired_total",
		Help: "Payment addresses swept as expired.",
	})
	TransactionsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_transactions_detected_total",
		Help: "On-chain transfers detected by the blockchain monitor.",
	}, []string{"network"})
	TransactionStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_transaction_transitions_total",
		Help: "Transaction state machine transitions.",
	}, []string{"to"})
	SettlementBatchesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_settlement_batches_executed_total",
		Help: "Settlement batches swept on-chain.",
	})
	ColdStorageSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_coldstorage_sweeps_total",
		Help: "Hot-to-cold wallet rebalances executed.",
	})
	PayoutsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_payouts_total",
		Help: "Payouts by outcome.",
	}, []string{"outcome"})
	RefundsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_refunds_total",
		Help: "Refunds by outcome.",
	}, []string{"outcome"})
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	QueueJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "gateway_queue_job_duration_seconds",
		Help: "Time spent processing a queue job.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "gateway_rpc_latency_seconds",
		Help: "Latency of outbound chain RPC calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)
