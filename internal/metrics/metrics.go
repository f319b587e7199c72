package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts API requests by method, path and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrowd_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VerificationCycles counts verification loop runs by result.
	VerificationCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_verification_cycles_total",
			Help: "Verification loop cycles by result",
		},
		[]string{"result"},
	)

	// VerificationCycleDuration observes how long a verification cycle takes.
	VerificationCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escrowd_verification_cycle_duration_seconds",
			Help:    "Duration of one verification cycle",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// EscrowTransitions counts mirror transitions by kind and outcome.
	EscrowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_escrow_transitions_total",
			Help: "Escrow transitions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// StuckTransactions counts pending records older than the stuck threshold.
	StuckTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrowd_stuck_transactions",
			Help: "Pending transactions older than the stuck threshold",
		},
	)

	// BurnsTotal counts burn records by final status.
	BurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_burns_total",
			Help: "Burn records by final status",
		},
		[]string{"status"},
	)

	// PayoutsTotal counts payout transitions by status.
	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_payouts_total",
			Help: "Payout status transitions",
		},
		[]string{"status"},
	)

	// OperatorBalanceWei exports the operator's native balance.
	OperatorBalanceWei = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrowd_operator_balance_wei",
			Help: "Operator wallet native balance in wei",
		},
	)

	// RPCErrors counts chain RPC failures by operation.
	RPCErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowd_rpc_errors_total",
			Help: "Chain RPC failures by operation",
		},
		[]string{"op"},
	)

	// GasTopUps counts subsidy transfers made by the operator.
	GasTopUps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrowd_gas_topups_total",
			Help: "Gas subsidy transfers sent from the operator wallet",
		},
	)
)
