package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invocation metrics - Track contract call volume and latency
var (
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowcore_invocations_total",
			Help: "Total number of contract invocations by contract, operation and outcome",
		},
		[]string{"contract", "operation", "outcome"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrowcore_invocation_duration_seconds",
			Help:    "Time taken to execute and commit a single contract invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"contract", "operation"},
	)
)

// Fund-flow metrics - Track stroop movement through the escrow
var (
	StroopsDeposited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowcore_stroops_deposited_total",
		Help: "Total stroops deposited into project escrow accounts",
	})

	StroopsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowcore_stroops_claimed_total",
		Help: "Total stroops marked claimed without on-chain disbursement",
	})

	StroopsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowcore_stroops_released_total",
		Help: "Total stroops disbursed to recipients",
	})
)

// State metrics - Track registry and milestone progression
var (
	ProjectsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowcore_projects_registered_total",
		Help: "Total number of projects registered",
	})

	MilestonesRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowcore_milestones_registered_total",
		Help: "Total number of milestones registered",
	})

	MilestonesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrowcore_milestones_released_total",
		Help: "Total number of milestones released",
	})
)

// Error metrics - Track rejected invocations
var (
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowcore_errors_total",
			Help: "Total number of failed invocations by contract",
		},
		[]string{"contract"},
	)
)

// Orchestrator metrics - Track the off-chain release saga
var (
	SagaStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrowcore_saga_steps_total",
			Help: "Total number of release-saga steps by step name and outcome",
		},
		[]string{"step", "outcome"},
	)

	ReconcileUnsettledStroops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrowcore_reconcile_unsettled_stroops",
		Help: "Stroops of released milestones not yet claimed from escrow, per last reconciliation",
	})

	PendingPayoutStroops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrowcore_pending_payout_stroops",
		Help: "Stroops committed for release but not yet transferred out of custody, per last reconciliation",
	})
)
