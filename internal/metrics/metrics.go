package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_ledger_ops_total",
			Help: "Ledger operations by op and result",
		},
		[]string{"op", "result"}, // reserve|commit|release|credit|refund|expire , ok|rejected|error
	)

	LedgerIntegrityErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_ledger_integrity_errors_total",
			Help: "Mutations refused because they would break ledger invariants",
		},
		[]string{"op"},
	)

	CreditsMovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_units_total",
			Help: "Credit units moved by transaction kind and service",
		},
		[]string{"kind", "service"},
	)

	OrchestratorOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_orchestrator_outcomes_total",
			Help: "Provider job outcomes",
		},
		[]string{"provider", "outcome"}, // succeeded|failed|timed_out|cancelled
	)

	OrchestratorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credits_orchestrator_duration_seconds",
			Help:    "Wall time from submit to terminal outcome",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60},
		},
		[]string{"provider"},
	)

	OrchestratorPolls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credits_orchestrator_poll_attempts",
			Help:    "Poll attempts per job",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		},
		[]string{"provider"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_ratelimit_decisions_total",
			Help: "Rate limiter decisions by route",
		},
		[]string{"route", "decision"}, // allowed|rejected|error
	)

	UsageRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_usage_requests_total",
			Help: "Usage service executions by service and result",
		},
		[]string{"service", "result"},
	)

	OutboxPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_outbox_published_total",
			Help: "Outbox events relayed to Kafka",
		},
	)

	ArchivedTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_archived_transactions_total",
			Help: "Transaction events written to ClickHouse",
		},
	)

	PaymentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_payments_processed_total",
			Help: "Payment confirmations by result",
		},
		[]string{"result"}, // credited|replay|invalid|error
	)
)

// MustRegister registers all collectors. Collectors that are already
// registered with r are skipped, so it is safe to call more than once.
func MustRegister(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		LedgerOpsTotal,
		LedgerIntegrityErrors,
		CreditsMovedTotal,
		OrchestratorOutcomes,
		OrchestratorDuration,
		OrchestratorPolls,
		RateLimitDecisions,
		UsageRequests,
		OutboxPublished,
		ArchivedTransactions,
		PaymentsProcessed,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}
