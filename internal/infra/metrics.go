package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Decisions: исход каждого guarded вызова (success, denied, error)
	GuardDecisions *prometheus.CounterVec

	// Latency: полное время guarded вызова, включая удаленную проверку
	GuardDuration *prometheus.HistogramVec

	// Remote: результаты вызовов control plane по операциям
	RemoteCalls *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Ledger: глубина очереди и недоставленные строки WAL (backpressure)
	LedgerQueueDepth prometheus.Gauge
	WALUnsentRows    prometheus.Gauge
	LedgerBatches    *prometheus.CounterVec
	LedgerDropped    *prometheus.CounterVec

	// Sync: результаты синхронизации политик
	PolicySyncs *prometheus.CounterVec
	PolicyCount prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		GuardDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hashed_guard_decisions_total",
			Help: "Guarded calls by operation and outcome.",
		}, []string{"operation", "outcome"}),

		GuardDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hashed_guard_duration_seconds",
			Help:    "Histogram of guarded call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation", "outcome"}),

		RemoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hashed_remote_calls_total",
			Help: "Control plane calls by endpoint and result.",
		}, []string{"op", "result"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hashed_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		LedgerQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "hashed_ledger_queue_depth",
			Help: "Current number of entries in the in-memory ledger queue.",
		}),

		WALUnsentRows: f.NewGauge(prometheus.GaugeOpts{
			Name: "hashed_ledger_wal_unsent_rows",
			Help: "Rows persisted in the WAL and not yet delivered.",
		}),

		LedgerBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hashed_ledger_batches_total",
			Help: "Ledger batch deliveries by result.",
		}, []string{"result"}),

		LedgerDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hashed_ledger_rejected_total",
			Help: "Ledger writes rejected by backpressure, by reason.",
		}, []string{"reason"}), // queue_full, wal_limit, dead_letter

		PolicySyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hashed_policy_syncs_total",
			Help: "Policy synchronisations by source and result.",
		}, []string{"source", "result"}),

		PolicyCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "hashed_policy_rules",
			Help: "Number of rules currently held by the policy engine.",
		}),
	}
}
