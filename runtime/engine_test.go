package runtime

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/kernels"
	"github.com/sbl8/gwmc/random"
)

// gaussian0 depends on the first coordinate only.
func gaussian0(x []float64) float64 { return -x[0] * x[0] }

func flat([]float64) float64 { return 0 }

type recordingMetrics struct {
	mu     sync.Mutex
	sweeps map[string]int
	accept int64
}

func (r *recordingMetrics) RecordSweep(mode string, _ float64, _, accepted int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweeps == nil {
		r.sweeps = make(map[string]int)
	}
	r.sweeps[mode]++
	r.accept += accepted
}
func (r *recordingMetrics) RecordSwaps(string, int64, int64) {}
func (r *recordingMetrics) RecordExchangeFailure(string) {}
func (r *recordingMetrics) SetAcceptanceRate(string, float64) {}

func newEnsemble(t *testing.T, threads, nwalkers, ndim int, sigma float64, target core.LogDensityFunc) *core.Ensemble {
	t.Helper()
	e, err := core.Allocate(threads, nwalkers, ndim)
	require.NoError(t, err)
	e.Target = target
	require.NoError(t, e.InitializeGaussian(make([]float64, ndim), sigma, random.NewStream(1234)))
	return e
}

func snapshot(e *core.Ensemble) [][]float64 {
	out := make([][]float64, e.NWalkers())
	for i := range out {
		out[i] = append([]float64(nil), e.Walker(i)...)
	}
	return out
}

func TestAccept(t *testing.T) {
	t.Parallel()
	s := random.NewStream(5)
	for i := 0; i < 10000; i++ {
		require.True(t, Accept(0, s), "a zero log ratio is always accepted")
		require.True(t, Accept(0.3, s))
		require.False(t, Accept(math.Inf(-1), s))
	}

	var hits int
	for i := 0; i < 20000; i++ {
		if Accept(math.Log(0.25), s) {
			hits++
		}
	}
	assert.InDelta(t, 0.25, float64(hits)/20000, 0.02)
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	v, err := Evaluate(gaussian0, []float64{2})
	require.NoError(t, err)
	assert.Equal(t, -4.0, v)

	_, err = Evaluate(func([]float64) float64 { return math.NaN() }, []float64{0})
	require.ErrorIs(t, err, ErrLogDensity)

	_, err = Evaluate(func([]float64) float64 { panic("bad target") }, []float64{0})
	require.ErrorIs(t, err, ErrLogDensity)
	assert.Contains(t, err.Error(), "bad target")
}

func TestSweepUpdatesEveryWalkerOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	counting := func(x []float64) float64 {
		calls.Add(1)
		return 0
	}
	e := newEnsemble(t, 4, 100, 3, 1, counting)
	en := NewEngine(random.NewManager(7))

	require.NoError(t, en.Refresh(context.Background(), e))
	assert.EqualValues(t, 100, calls.Load())

	before := snapshot(e)
	calls.Store(0)
	require.NoError(t, en.MetropolisSweep(context.Background(), e))

	// One proposal per walker; a flat target accepts all of them.
	assert.EqualValues(t, 100, calls.Load())
	assert.EqualValues(t, 100, e.AcceptCount())
	for i := 0; i < e.NWalkers(); i++ {
		assert.NotEqual(t, before[i], e.Walker(i), "walker %d did not move", i)
	}
}

func TestZeroSigmaAlwaysAccepts(t *testing.T) {
	t.Parallel()
	e := newEnsemble(t, 3, 30, 2, 1, gaussian0)
	e.ProposalSigma = 0
	en := NewEngine(random.NewManager(1))

	before := snapshot(e)
	require.NoError(t, en.Run(context.Background(), e, 5))
	assert.EqualValues(t, 150, e.AcceptCount())
	assert.Equal(t, before, snapshot(e))
}

func TestSweepIsDeterministic(t *testing.T) {
	t.Parallel()
	run := func() [][]float64 {
		e := newEnsemble(t, 4, 64, 2, 3, gaussian0)
		en := NewEngine(random.NewManager(99))
		require.NoError(t, en.Run(context.Background(), e, 20))
		require.NoError(t, en.MetropolisPartitioned(context.Background(), e, 3))
		return snapshot(e)
	}
	assert.Equal(t, run(), run())
}

func TestMetropolisEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("long-running sampler test")
	}
	t.Parallel()

	const (
		nwalkers = 1000
		ndim     = 4
		sweeps   = 1000
	)
	e, err := core.Allocate(1, nwalkers, ndim)
	require.NoError(t, err)
	e.Target = gaussian0
	require.NoError(t, e.InitializeGaussian([]float64{1, 1, 1, 1}, 1, random.NewStream(77)))

	m := &recordingMetrics{}
	en := NewEngine(random.NewManager(2024), WithMetrics(m))

	initial := e.Mean()
	require.InDelta(t, 1, initial[0], 0.15)

	require.NoError(t, en.Run(context.Background(), e, sweeps))

	rate := float64(e.AcceptCount()) / float64(nwalkers*sweeps)
	assert.Greater(t, rate, 0.05)
	assert.Less(t, rate, 0.95)
	assert.InDelta(t, rate, en.Stats().AcceptanceRate(), 1e-12)
	assert.Equal(t, sweeps, m.sweeps[ModeShared])
	assert.Equal(t, e.AcceptCount(), m.accept)

	// exp(-x0^2) has mean 0 and variance 1/2 in the first coordinate.
	mean0, var0 := kernels.MeanVar(e.Coordinate(0))
	assert.InDelta(t, 0, mean0, 0.15)
	assert.InDelta(t, 0.5, var0, 0.12)

	// The other coordinates diffuse freely: they spread but do not drift.
	for j := 1; j < ndim; j++ {
		mean, variance := kernels.MeanVar(e.Coordinate(j))
		assert.InDelta(t, initial[j], mean, 4, "dimension %d drifted", j)
		assert.Greater(t, variance, 10.0, "dimension %d did not spread", j)
	}
}

func TestPartitionedContracts(t *testing.T) {
	t.Parallel()
	e := newEnsemble(t, 4, 200, 2, 10, gaussian0)
	en := NewEngine(random.NewManager(3))

	for k := 0; k < 50; k++ {
		require.NoError(t, en.MetropolisPartitioned(context.Background(), e, 10))
	}
	rate := float64(e.AcceptCount()) / float64(200*500)
	assert.Greater(t, rate, 0.0)
	assert.Less(t, rate, 1.0)

	_, var0 := kernels.MeanVar(e.Coordinate(0))
	assert.InDelta(t, 0.5, var0, 0.25)
	for i := 0; i < e.NWalkers(); i++ {
		v, ok := e.LogDensity(i)
		require.True(t, ok)
		assert.Equal(t, gaussian0(e.Walker(i)), v, "cached value of walker %d is stale", i)
	}
}

func TestPartitionedFlatAcceptsAll(t *testing.T) {
	t.Parallel()
	e := newEnsemble(t, 3, 30, 2, 1, flat)
	en := NewEngine(random.NewManager(3))

	require.NoError(t, en.MetropolisPartitioned(context.Background(), e, 4))
	assert.EqualValues(t, 120, e.AcceptCount())
	assert.EqualValues(t, 120, en.Stats().Proposals)
}

func TestSweepErrors(t *testing.T) {
	t.Parallel()
	en := NewEngine(random.NewManager(1))
	ctx := context.Background()

	noTarget := newEnsemble(t, 2, 4, 1, 1, nil)
	require.ErrorIs(t, en.MetropolisSweep(ctx, noTarget), ErrNoLogDensity)
	require.ErrorIs(t, en.MetropolisPartitioned(ctx, noTarget, 1), ErrNoLogDensity)
	require.ErrorIs(t, en.Refresh(ctx, noTarget), ErrNoLogDensity)

	freed := newEnsemble(t, 2, 4, 1, 1, flat)
	freed.Free()
	require.ErrorIs(t, en.MetropolisSweep(ctx, freed), core.ErrFreed)

	ok := newEnsemble(t, 2, 4, 1, 1, flat)
	require.ErrorIs(t, en.MetropolisPartitioned(ctx, ok, 0), ErrInvalidSteps)
	require.ErrorIs(t, en.Run(ctx, ok, 0), ErrInvalidSteps)

	nan := newEnsemble(t, 2, 4, 1, 1, func([]float64) float64 { return math.NaN() })
	require.ErrorIs(t, en.MetropolisSweep(ctx, nan), ErrLogDensity)
	assert.Zero(t, nan.AcceptCount())
}

func TestSweepPanicKeepsWalkersWhole(t *testing.T) {
	t.Parallel()
	// Panics for any proposal far from the origin.
	fragile := func(x []float64) float64 {
		if math.Abs(x[0]) > 2.5 {
			panic("out of domain")
		}
		return -0.5 * (x[0]*x[0] + x[1]*x[1])
	}
	e := newEnsemble(t, 4, 400, 2, 0.5, fragile)
	en := NewEngine(random.NewManager(8))
	require.NoError(t, en.Refresh(context.Background(), e))

	var (
		before [][]float64
		err    error
	)
	for k := 0; k < 200 && err == nil; k++ {
		before = snapshot(e)
		e.ResetAcceptCount()
		err = en.MetropolisSweep(context.Background(), e)
	}
	require.ErrorIs(t, err, ErrLogDensity)

	// Every walker is either untouched or fully moved, and the moved ones
	// are exactly the counted acceptances.
	var moved int64
	for i := 0; i < e.NWalkers(); i++ {
		w := e.Walker(i)
		if w[0] != before[i][0] || w[1] != before[i][1] {
			moved++
			v, ok := e.LogDensity(i)
			require.True(t, ok)
			assert.Equal(t, fragile(w), v)
		}
	}
	assert.Equal(t, e.AcceptCount(), moved)
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()
	e := newEnsemble(t, 2, 8, 1, 1, flat)
	en := NewEngine(random.NewManager(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, en.MetropolisSweep(ctx, e), context.Canceled)
	assert.Zero(t, e.AcceptCount())
}

func TestRefreshKeepsComputedSlots(t *testing.T) {
	t.Parallel()
	e := newEnsemble(t, 2, 6, 1, 1, gaussian0)
	e.SetLogDensity(2, 123)
	en := NewEngine(random.NewManager(1))

	require.NoError(t, en.Refresh(context.Background(), e))
	for i := 0; i < e.NWalkers(); i++ {
		v, ok := e.LogDensity(i)
		require.True(t, ok)
		if i == 2 {
			assert.Equal(t, 123.0, v)
		} else {
			assert.Equal(t, gaussian0(e.Walker(i)), v)
		}
	}
}

func TestRefreshWithoutTargetWhenComputed(t *testing.T) {
	t.Parallel()
	en := NewEngine(random.NewManager(1))
	e := newEnsemble(t, 2, 6, 1, 1, nil)
	for i := 0; i < e.NWalkers(); i++ {
		e.SetLogDensity(i, float64(-i))
	}
	require.NoError(t, en.Refresh(context.Background(), e))

	e.InvalidateLogDensity(4)
	err := en.Refresh(context.Background(), e)
	require.ErrorIs(t, err, ErrNoLogDensity)
	assert.Contains(t, err.Error(), "walker 4")
}
