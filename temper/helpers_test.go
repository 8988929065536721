package temper

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/random"
	"github.com/sbl8/gwmc/runtime"
)

func isotropic(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return -0.5 * s
}

func constant(v float64) core.LogDensityFunc {
	return func([]float64) float64 { return v }
}

type recordingMetrics struct {
	mu       sync.Mutex
	swaps    map[string]int64
	failures map[string]int
}

func (r *recordingMetrics) RecordSweep(string, float64, int64, int64) {}

func (r *recordingMetrics) RecordSwaps(kind string, _, accepted int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.swaps == nil {
		r.swaps = make(map[string]int64)
	}
	r.swaps[kind] += accepted
}

func (r *recordingMetrics) RecordExchangeFailure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = make(map[string]int)
	}
	r.failures[reason]++
}

func (r *recordingMetrics) SetAcceptanceRate(string, float64) {}

func (r *recordingMetrics) failureCount(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[reason]
}

func newEngine(seed uint64, m *recordingMetrics) *runtime.Engine {
	if m == nil {
		return runtime.NewEngine(random.NewManager(seed))
	}
	return runtime.NewEngine(random.NewManager(seed), runtime.WithMetrics(m))
}

func newReplica(t *testing.T, nwalkers, ndim int, beta float64, seed uint64) *core.Ensemble {
	t.Helper()
	e, err := core.Allocate(2, nwalkers, ndim)
	require.NoError(t, err)
	e.Target = isotropic
	e.InverseTemperature = beta
	require.NoError(t, e.InitializeGaussian(make([]float64, ndim), 2, random.NewStream(seed)))
	return e
}

type state struct {
	walkers [][]float64
	lnp     []float64
}

// capture snapshots positions and log-densities. Every log-density must
// already be computed.
func capture(t *testing.T, e *core.Ensemble) state {
	t.Helper()
	s := state{walkers: make([][]float64, e.NWalkers()), lnp: make([]float64, e.NWalkers())}
	for i := range s.walkers {
		s.walkers[i] = append([]float64(nil), e.Walker(i)...)
		v, ok := e.LogDensity(i)
		require.True(t, ok, "walker %d has no log-density", i)
		s.lnp[i] = v
	}
	return s
}

// swappedSlots checks that every slot of a and b after an exchange is either
// untouched on both sides or swapped on both sides, and returns the number
// of swapped slots.
func swappedSlots(t *testing.T, beforeA, beforeB, afterA, afterB state) int {
	t.Helper()
	n := 0
	for i := range beforeA.walkers {
		require.NotEqual(t, beforeA.walkers[i], beforeB.walkers[i], "slot %d must differ to be tracked", i)
		if afterA.walkers[i][0] == beforeB.walkers[i][0] {
			require.Equal(t, beforeB.walkers[i], afterA.walkers[i], "slot %d", i)
			require.Equal(t, beforeB.lnp[i], afterA.lnp[i], "slot %d", i)
			require.Equal(t, beforeA.walkers[i], afterB.walkers[i], "slot %d swapped on one side only", i)
			require.Equal(t, beforeA.lnp[i], afterB.lnp[i], "slot %d", i)
			n++
			continue
		}
		require.Equal(t, beforeA.walkers[i], afterA.walkers[i], "slot %d", i)
		require.Equal(t, beforeA.lnp[i], afterA.lnp[i], "slot %d", i)
		require.Equal(t, beforeB.walkers[i], afterB.walkers[i], "slot %d changed on one side only", i)
		require.Equal(t, beforeB.lnp[i], afterB.lnp[i], "slot %d", i)
	}
	return n
}
