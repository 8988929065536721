package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewNop(t *testing.T) {
	m := NewNop()

	require.NotNil(t, m)
	require.NotPanics(t, func() {
		m.RecordSweep("shared", 0.5, 100, 40)
		m.RecordSwaps(SwapLocal, 10, 3)
		m.RecordExchangeFailure("timeout")
		m.SetAcceptanceRate("0", 0.4)
	})
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.RecordSweep("shared", 0.01, 100, 40)
	p.RecordSweep("shared", 0.02, 100, 60)
	p.RecordSweep("partitioned", 0.02, 50, 10)
	p.RecordSwaps(SwapLocal, 8, 5)
	p.RecordSwaps(SwapCross, 8, 2)
	p.RecordExchangeFailure("timeout")
	p.SetAcceptanceRate("1", 0.25)

	require.InDelta(t, 2.0, testutil.ToFloat64(p.sweeps.WithLabelValues("shared")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.sweeps.WithLabelValues("partitioned")), 1e-9)
	require.InDelta(t, 250.0, testutil.ToFloat64(p.proposals), 1e-9)
	require.InDelta(t, 110.0, testutil.ToFloat64(p.accepts), 1e-9)
	require.InDelta(t, 5.0, testutil.ToFloat64(p.swapAccepts.WithLabelValues(SwapLocal)), 1e-9)
	require.InDelta(t, 8.0, testutil.ToFloat64(p.swapAttempts.WithLabelValues(SwapCross)), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.exchangeFails.WithLabelValues("timeout")), 1e-9)
	require.InDelta(t, 0.25, testutil.ToFloat64(p.acceptance.WithLabelValues("1")), 1e-9)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewPrometheusDefaults(t *testing.T) {
	p := NewPrometheus(nil, "")
	require.Equal(t, "gwmc", p.namespace)
	require.Equal(t, prometheus.DefaultRegisterer, p.reg)
}
