package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the verification engine
type Metrics struct {
	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Protocol metrics
	ProtocolOutcomes  *prometheus.CounterVec
	ActiveProtocols   *prometheus.GaugeVec
	SagaCompensations *prometheus.CounterVec

	// Journal metrics
	JournalAppends   *prometheus.CounterVec
	JournalConflicts prometheus.Counter

	// Scoring metrics
	LevelChanges *prometheus.CounterVec
	ExpirySweeps prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_commands_total",
				Help: "Total commands processed by subject orchestrators",
			},
			[]string{"command", "result"}, // result: ok, rejected, unavailable
		),

		CommandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verification_command_duration_seconds",
				Help:    "Command processing latency inside the orchestrator",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		ProtocolOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_protocol_outcomes_total",
				Help: "Terminal child protocol outcomes",
			},
			[]string{"method", "state"}, // state: completed, failed, cancelled
		),

		ActiveProtocols: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "verification_active_protocols",
				Help: "Currently running child protocols",
			},
			[]string{"method"},
		),

		SagaCompensations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_saga_compensations_total",
				Help: "Two-party saga compensation executions",
			},
			[]string{"result"}, // result: complete, incomplete
		),

		JournalAppends: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_journal_appends_total",
				Help: "Journal append attempts",
			},
			[]string{"kind"},
		),

		JournalConflicts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "verification_journal_conflicts_total",
				Help: "Optimistic-concurrency conflicts on journal append",
			},
		),

		LevelChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_level_changes_total",
				Help: "Subject verification level transitions",
			},
			[]string{"direction"}, // direction: up, down
		),

		ExpirySweeps: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "verification_expiry_sweeps_total",
				Help: "Completion expiry timer firings processed",
			},
		),
	}
}
