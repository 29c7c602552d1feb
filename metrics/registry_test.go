package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestComponentRegistry_ReusesExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()

	a := NewComponentRegistryWith(reg, "", "test").NewCounter(prometheus.CounterOpts{
		Name: "things_total",
		Help: "Things",
	})
	b := NewComponentRegistryWith(reg, "", "test").NewCounter(prometheus.CounterOpts{
		Name: "things_total",
		Help: "Things",
	})

	a.Inc()
	b.Inc()
	require.InDelta(t, 2, testutil.ToFloat64(a), 0)

	n, err := testutil.GatherAndCount(reg, "sla_escrow_test_things_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
