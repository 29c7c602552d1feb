package ledger

import (
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/compose-network/sla-escrow/metrics"
)

// Metrics holds ledger-level metrics
type Metrics struct {
	TransfersTotal *prometheus.CounterVec
	VolumeTotal    *prometheus.CounterVec
	FailuresTotal  *prometheus.CounterVec
}

// NewMetrics creates ledger metrics
func NewMetrics() *Metrics {
	reg := metrics.NewComponentRegistry("", "ledger")

	return &Metrics{
		TransfersTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "transfers_total",
			Help: "Total number of applied transfers by kind",
		}, []string{"kind"}),

		VolumeTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "volume_total",
			Help: "Total value moved by kind, in base units (float approximation)",
		}, []string{"kind"}),

		FailuresTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "failures_total",
			Help: "Total number of rejected transfers by kind",
		}, []string{"kind"}),
	}
}

// RecordTransfer records a successful movement of value
func (m *Metrics) RecordTransfer(kind string, amount *uint256.Int) {
	m.TransfersTotal.WithLabelValues(kind).Inc()
	m.VolumeTotal.WithLabelValues(kind).Add(amount.Float64())
}

// RecordFailure records a rejected transfer
func (m *Metrics) RecordFailure(kind string) {
	m.FailuresTotal.WithLabelValues(kind).Inc()
}
