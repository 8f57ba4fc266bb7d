package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// --- Rounds ---
	RoundsCreated  prometheus.Counter
	Reservations   *prometheus.CounterVec
	Joins          *prometheus.CounterVec
	Resolves       *prometheus.CounterVec
	Leaves         *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	PayoutLamports prometheus.Counter
	FeeLamports    prometheus.Counter

	// --- Deposits & ledger ---
	DepositVerifications *prometheus.CounterVec
	DuplicateDeposits    prometheus.Counter
	LedgerCallDuration   *prometheus.HistogramVec
	LedgerErrors         *prometheus.CounterVec

	// --- Store ---
	CASConflicts *prometheus.CounterVec

	// --- Notifier ---
	NotifyDelivered *prometheus.CounterVec
	NotifyFailed    *prometheus.CounterVec
	NotifyDropped   prometheus.Counter

	// --- Janitor ---
	JanitorSweeps    prometheus.Counter
	JanitorResolved  prometheus.Counter
	JanitorPurged    prometheus.Counter
	JanitorLastSweep prometheus.Gauge

	// --- Gateway ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &Metrics{
		RoundsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "flip_rounds_created_total",
			Help: "Rounds created with a verified deposit",
		}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_reservations_total",
			Help: "Seat reservation attempts by result",
		}, []string{"result"}),
		Joins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_joins_total",
			Help: "Join attempts by result",
		}, []string{"result"}),
		Resolves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_resolves_total",
			Help: "Resolve attempts by result",
		}, []string{"result"}),
		Leaves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_leaves_total",
			Help: "Leave (refund) attempts by result",
		}, []string{"result"}),
		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flip_operation_duration_seconds",
			Help:    "Engine operation latency",
			Buckets: opBuckets,
		}, []string{"op"}),
		PayoutLamports: f.NewCounter(prometheus.CounterOpts{
			Name: "flip_payout_lamports_total",
			Help: "Lamports paid out to winners",
		}),
		FeeLamports: f.NewCounter(prometheus.CounterOpts{
			Name: "flip_fee_lamports_total",
			Help: "Lamports retained as fees on resolved rounds",
		}),

		DepositVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_deposit_verifications_total",
			Help: "Deposit verifications by outcome",
		}, []string{"outcome"}),
		DuplicateDeposits: f.NewCounter(prometheus.CounterOpts{
			Name: "flip_duplicate_deposits_total",
			Help: "Deposit references rejected as already used",
		}),
		LedgerCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flip_ledger_call_duration_seconds",
			Help:    "Ledger client call latency",
			Buckets: opBuckets,
		}, []string{"call"}),
		LedgerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_ledger_errors_total",
			Help: "Ledger client errors",
		}, []string{"call"}),

		CASConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_cas_conflicts_total",
			Help: "Round record compare-and-set conflicts",
		}, []string{"op"}),

		NotifyDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_notify_delivered_total",
			Help: "Result events delivered",
		}, []string{"sink"}),
		NotifyFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_notify_failed_total",
			Help: "Result event deliveries that failed",
		}, []string{"sink"}),
		NotifyDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "flip_notify_dropped_total",
			Help: "Result events dropped because the queue was full",
		}),

		JanitorSweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "flip_janitor_sweeps_total",
			Help: "Janitor passes completed",
		}),
		JanitorResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "flip_janitor_resolved_total",
			Help: "Rounds resolved by the janitor",
		}),
		JanitorPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "flip_janitor_purged_total",
			Help: "Expired store records purged",
		}),
		JanitorLastSweep: f.NewGauge(prometheus.GaugeOpts{
			Name: "flip_janitor_last_sweep_timestamp_seconds",
			Help: "Unix time of the last janitor pass",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flip_http_requests_total",
			Help: "Gateway requests by route and status",
		}, []string{"route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flip_http_request_duration_seconds",
			Help:    "Gateway request latency",
			Buckets: opBuckets,
		}, []string{"route"}),
	}
}

// ObserveOp records an engine operation's latency and result.
func (m *Metrics) ObserveOp(op string, start time.Time, result string) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	var vec *prometheus.CounterVec
	switch op {
	case "reserve":
		vec = m.Reservations
	case "join":
		vec = m.Joins
	case "resolve":
		vec = m.Resolves
	case "leave":
		vec = m.Leaves
	}
	if vec != nil {
		vec.WithLabelValues(result).Inc()
	}
}

// ObserveLedger records a ledger call.
func (m *Metrics) ObserveLedger(call string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.LedgerCallDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
	if err != nil {
		m.LedgerErrors.WithLabelValues(call).Inc()
	}
}
