package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics: общий набор метрик ядра. Живет в infra, потому что им пользуются
// ledger, escrow, issuer и gate, а gate сам зависит от них.
type Metrics struct {
	// Latency: время прохождения create_commitment
	CommitmentDuration *prometheus.HistogramVec

	// Traffic: решения Gate (committed / denied / replayed)
	CommitmentsTotal *prometheus.CounterVec

	// Errors: отказы Gate по стабильному коду
	GateDenials *prometheus.CounterVec

	// Ledger: проводки по причине и конфликты версий
	LedgerPostings  *prometheus.CounterVec
	LedgerConflicts prometheus.Counter

	// Escrow: переходы автомата
	EscrowTransitions *prometheus.CounterVec

	// Issuer: текущая эмиссия по активу
	IssuerSupply *prometheus.GaugeVec

	// Saturation: состояние Circuit Breaker (0 - закрыт, 1 - полуоткрыт, 2 - открыт)
	CircuitBreakerState *prometheus.GaugeVec

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если реестр не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		CommitmentDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentbank_commitment_duration_seconds",
			Help:    "Histogram of create_commitment latencies.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"status"}),

		CommitmentsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentbank_commitments_total",
			Help: "Total number of gate decisions.",
		}, []string{"status"}),

		GateDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentbank_gate_denials_total",
			Help: "Gate denials by stable error code.",
		}, []string{"code"}),

		LedgerPostings: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentbank_ledger_postings_total",
			Help: "Ledger entries appended, by reason.",
		}, []string{"reason"}),

		LedgerConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agentbank_ledger_version_conflicts_total",
			Help: "Optimistic version conflicts reported by the ledger store.",
		}),

		EscrowTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentbank_escrow_transitions_total",
			Help: "Escrow state machine transitions.",
		}, []string{"from", "to"}),

		IssuerSupply: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentbank_issuer_supply",
			Help: "Outstanding supply in smallest units.",
		}, []string{"asset"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentbank_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentbank_journal_buffer_utilization",
			Help: "Current number of events in the decision journal buffer.",
		}),
	}
}
