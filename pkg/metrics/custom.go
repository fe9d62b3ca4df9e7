package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lastpush"

var (
	LedgerPostings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_postings_total",
		Help:      "Ledger postings by kind and result (applied, replayed, rejected).",
	}, []string{"kind", "result"})

	DepositTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_intent_transitions_total",
		Help:      "Deposit intent state transitions by target state.",
	}, []string{"state"})

	DepositRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_confirmation_rejections_total",
		Help:      "Rejected confirmation submissions by reason.",
	}, []string{"reason"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transitions_total",
		Help:      "Order state transitions by axis (payment, fulfillment) and target state.",
	}, []string{"axis", "state"})

	ProvisionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provision_attempts_total",
		Help:      "Provisioning attempts by step and outcome.",
	}, []string{"step", "outcome"})

	ProvisionCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provision_call_duration_seconds",
		Help:      "Registrar / DNS provider call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms ~ 25s
	}, []string{"step"})

	ProvisionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provision_queue_depth",
		Help:      "Orders waiting for a provisioning worker.",
	})

	ClockTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clock_ticks_total",
		Help:      "Workflow clock ticks by result (ran, skipped_not_master, error).",
	}, []string{"result"})

	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	RateLimitBlockTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_block_total",
		Help:      "Requests rejected by the HTTP rate limiter.",
	}, []string{"route"})
)
