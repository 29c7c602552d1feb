package sla

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/compose-network/sla-escrow/metrics"
)

// Metrics holds registry-level metrics
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Transitions       *prometheus.CounterVec
	ResolutionsTotal  *prometheus.CounterVec
	SlashedValue      prometheus.Counter
	EscrowLocked      prometheus.Counter
	SettlementFaults  prometheus.Counter
}

// NewMetrics creates registry metrics
func NewMetrics() *Metrics {
	reg := metrics.NewComponentRegistry("", "registry")

	return &Metrics{
		OperationsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "operations_total",
			Help: "Total number of registry operations by outcome",
		}, []string{"operation", "result"}),

		OperationDuration: reg.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "operation_duration_seconds",
			Help:    "Registry operation latency",
			Buckets: metrics.DurationBuckets,
		}, []string{"operation"}),

		Transitions: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "state_transitions_total",
			Help: "Total number of state transitions by target state",
		}, []string{"state"}),

		ResolutionsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "resolutions_total",
			Help: "Total number of resolved SLAs by outcome",
		}, []string{"outcome"}),

		SlashedValue: reg.NewCounter(prometheus.CounterOpts{
			Name: "slashed_value_total",
			Help: "Stake forfeited by slashed verifiers, in base units (float approximation)",
		}),

		EscrowLocked: reg.NewCounter(prometheus.CounterOpts{
			Name: "escrow_locked_total",
			Help: "Escrow pulled into custody, in base units (float approximation)",
		}),

		SettlementFaults: reg.NewCounter(prometheus.CounterOpts{
			Name: "settlement_faults_total",
			Help: "Resolutions that failed to pay out",
		}),
	}
}

func (m *Metrics) recordOperation(op string, err error, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) recordTransition(to State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) recordEscrow(amount *uint256.Int) {
	if m == nil {
		return
	}
	m.EscrowLocked.Add(amount.Float64())
}

func (m *Metrics) recordResolution(s *Settlement) {
	if m == nil {
		return
	}
	outcome := "rejected"
	switch {
	case s.Approved:
		outcome = "approved"
	case s.SlashedVerifier != (common.Address{}):
		outcome = "split"
	}
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
	m.SlashedValue.Add(s.SlashAmount.Float64())
}

func (m *Metrics) recordFault() {
	if m == nil {
		return
	}
	m.SettlementFaults.Inc()
}
