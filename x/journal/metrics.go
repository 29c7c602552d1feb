package journal

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/compose-network/sla-escrow/metrics"
)

// Metrics holds journal metrics
type Metrics struct {
	Appended prometheus.Counter
	Evicted  prometheus.Counter
	Retained prometheus.Gauge
}

// NewMetrics creates journal metrics
func NewMetrics() *Metrics {
	reg := metrics.NewComponentRegistry("", "journal")

	return &Metrics{
		Appended: reg.NewCounter(prometheus.CounterOpts{
			Name: "events_total",
			Help: "Total number of journaled events",
		}),
		Evicted: reg.NewCounter(prometheus.CounterOpts{
			Name: "evictions_total",
			Help: "Entries dropped to stay within capacity",
		}),
		Retained: reg.NewGauge(prometheus.GaugeOpts{
			Name: "retained_entries",
			Help: "Entries currently held",
		}),
	}
}

func (m *Metrics) recordAppend(retained int) {
	if m == nil {
		return
	}
	m.Appended.Inc()
	m.Retained.Set(float64(retained))
}

func (m *Metrics) recordEviction() {
	if m == nil {
		return
	}
	m.Evicted.Inc()
}
