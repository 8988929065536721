package core

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/gwmc/random"
)

// fill writes a recognisable pattern into every walker and log-density slot.
func fill(e *Ensemble, base float64) {
	for i := 0; i < e.NWalkers(); i++ {
		w := e.Walker(i)
		for j := range w {
			w[j] = base + float64(i*100+j)
		}
		e.SetLogDensity(i, -base-float64(i))
	}
}

func TestAllocate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		nwalkers      int
		ndim          int
		wantErr       error
		wantStride    int
	}{
		{name: "one dim", nwalkers: 2, ndim: 1, wantStride: 64},
		{name: "four dims", nwalkers: 1000, ndim: 4, wantStride: 64},
		{name: "spills to two lines", nwalkers: 8, ndim: 9, wantStride: 128},
		{name: "odd walkers", nwalkers: 3, ndim: 2, wantErr: ErrOddWalkers},
		{name: "zero walkers", nwalkers: 0, ndim: 2, wantErr: ErrInvalidShape},
		{name: "zero dims", nwalkers: 4, ndim: 0, wantErr: ErrInvalidShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Allocate(2, tt.nwalkers, tt.ndim)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.nwalkers, e.NWalkers())
			assert.Equal(t, tt.ndim, e.NDim())
			assert.Equal(t, DefaultStretch, e.Stretch)
			assert.Equal(t, DefaultInverseTemperature, e.InverseTemperature)
			assert.Equal(t, DefaultProposalSigma, e.ProposalSigma)
			assert.Equal(t, 1, e.Nodes)
			assert.Zero(t, e.AcceptCount())

			walkers, lnp := e.Buffers()
			assert.Len(t, walkers, tt.wantStride*tt.nwalkers)
			assert.Len(t, lnp, CacheLineSize*tt.nwalkers)

			for i := 0; i < e.NWalkers(); i++ {
				w := e.Walker(i)
				require.Len(t, w, tt.ndim)
				assert.True(t, IsAligned(uintptr(unsafe.Pointer(&w[0]))), "walker %d not on a line boundary", i)
				_, computed := e.LogDensity(i)
				assert.False(t, computed)
			}
		})
	}
}

func TestMustAllocatePanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustAllocate(1, 5, 2) })
	assert.NotPanics(t, func() { MustAllocate(1, 4, 2) })
}

func TestLogDensityComputedMarker(t *testing.T) {
	t.Parallel()
	e := MustAllocate(1, 4, 2)

	// Zero is a legal log-density and must read back as computed.
	e.SetLogDensity(1, 0)
	v, ok := e.LogDensity(1)
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)

	e.SetLogDensity(2, -3.5)
	e.InvalidateLogDensity(2)
	_, ok = e.LogDensity(2)
	assert.False(t, ok)

	e.SetLogDensity(3, 7)
	e.InvalidateAll()
	for i := 0; i < e.NWalkers(); i++ {
		_, ok := e.LogDensity(i)
		assert.False(t, ok, "walker %d", i)
	}
}

func TestInitializeGaussianZeroSigma(t *testing.T) {
	t.Parallel()
	e := MustAllocate(1, 10, 3)
	mean := []float64{1.5, -2, 0.25}

	require.NoError(t, e.InitializeGaussian(mean, 0, random.NewStream(1)))
	for i := 0; i < e.NWalkers(); i++ {
		assert.Equal(t, mean, e.Walker(i))
		_, ok := e.LogDensity(i)
		assert.False(t, ok)
	}
}

func TestInitializeGaussianSpread(t *testing.T) {
	t.Parallel()
	e := MustAllocate(1, 4000, 2)
	mean := []float64{3, -1}

	require.NoError(t, e.InitializeGaussian(mean, 2, random.NewStream(42)))
	got := e.Mean()
	assert.InDelta(t, 3, got[0], 0.15)
	assert.InDelta(t, -1, got[1], 0.15)

	var ss float64
	for _, x := range e.Coordinate(0) {
		ss += (x - got[0]) * (x - got[0])
	}
	assert.InDelta(t, 2, math.Sqrt(ss/4000), 0.15)
}

func TestInitializeGaussianRejects(t *testing.T) {
	t.Parallel()
	e := MustAllocate(1, 4, 2)
	src := random.NewStream(1)

	require.ErrorIs(t, e.InitializeGaussian([]float64{0}, 1, src), ErrInvalidShape)
	require.ErrorIs(t, e.InitializeGaussian([]float64{0, 0}, -1, src), ErrInvalidShape)
	require.ErrorIs(t, e.InitializeGaussian([]float64{math.NaN(), 0}, 1, src), ErrInvalidShape)

	e.Free()
	require.ErrorIs(t, e.InitializeGaussian([]float64{0, 0}, 1, src), ErrFreed)
}

func TestCopyAll(t *testing.T) {
	t.Parallel()
	src := MustAllocate(1, 6, 5)
	dst := MustAllocate(1, 6, 5)
	fill(src, 1)

	require.NoError(t, src.CopyAll(dst))
	for i := 0; i < 6; i++ {
		assert.Equal(t, src.Walker(i), dst.Walker(i))
		v, ok := dst.LogDensity(i)
		assert.True(t, ok)
		assert.Equal(t, -1-float64(i), v)
	}
}

func TestCopyRangeFullEqualsCopyAll(t *testing.T) {
	t.Parallel()
	src := MustAllocate(1, 8, 3)
	viaAll := MustAllocate(1, 8, 3)
	viaRange := MustAllocate(1, 8, 3)
	fill(src, 5)

	require.NoError(t, src.CopyAll(viaAll))
	require.NoError(t, src.CopyRange(viaRange, 0, 8))

	wa, la := viaAll.Buffers()
	wr, lr := viaRange.Buffers()
	assert.Equal(t, wa, wr)
	assert.Equal(t, la, lr)
}

func TestCopyRangeLeavesOthersUntouched(t *testing.T) {
	t.Parallel()
	src := MustAllocate(1, 8, 3)
	dst := MustAllocate(1, 8, 3)
	fill(src, 1)
	fill(dst, 1000)

	require.NoError(t, src.CopyRange(dst, 2, 5))
	for i := 0; i < 8; i++ {
		v, _ := dst.LogDensity(i)
		if i >= 2 && i < 5 {
			assert.Equal(t, src.Walker(i), dst.Walker(i), "walker %d", i)
			assert.Equal(t, -1-float64(i), v)
		} else {
			assert.Equal(t, 1000+float64(i*100), dst.Walker(i)[0], "walker %d", i)
			assert.Equal(t, -1000-float64(i), v)
		}
	}

	require.NoError(t, src.CopyRange(dst, 3, 3))
	require.ErrorIs(t, src.CopyRange(dst, -1, 2), ErrIndexRange)
	require.ErrorIs(t, src.CopyRange(dst, 4, 9), ErrIndexRange)
	require.ErrorIs(t, src.CopyRange(dst, 5, 4), ErrIndexRange)
}

func TestLayoutMismatch(t *testing.T) {
	t.Parallel()
	a := MustAllocate(1, 8, 3)
	tests := []struct {
		name  string
		other *Ensemble
	}{
		{"walkers differ", MustAllocate(1, 10, 3)},
		{"dims differ", MustAllocate(1, 8, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, a.CopyAll(tt.other), ErrLayoutMismatch)
			require.ErrorIs(t, a.CopyRange(tt.other, 0, 2), ErrLayoutMismatch)
			require.ErrorIs(t, SwapBuffers(a, tt.other), ErrLayoutMismatch)
		})
	}

	freed := MustAllocate(1, 8, 3)
	freed.Free()
	assert.True(t, freed.Freed())
	require.ErrorIs(t, a.CopyAll(freed), ErrFreed)
}

func TestSwapBuffers(t *testing.T) {
	t.Parallel()
	a := MustAllocate(1, 4, 2)
	b := MustAllocate(1, 4, 2)
	fill(a, 1)
	fill(b, 50)
	a.InverseTemperature, b.InverseTemperature = 1, 0.5
	a.AddAccepted(7)

	wantA, wantB := a.Walker(3)[1], b.Walker(3)[1]
	require.NoError(t, SwapBuffers(a, b))

	assert.Equal(t, wantB, a.Walker(3)[1])
	assert.Equal(t, wantA, b.Walker(3)[1])
	v, _ := a.LogDensity(0)
	assert.Equal(t, -50.0, v)

	// Parameters and counters stay put.
	assert.Equal(t, 1.0, a.InverseTemperature)
	assert.Equal(t, 0.5, b.InverseTemperature)
	assert.EqualValues(t, 7, a.AcceptCount())
	assert.Zero(t, b.AcceptCount())
}

func TestSwapWalkerAndTakeWalker(t *testing.T) {
	t.Parallel()
	a := MustAllocate(1, 4, 1)
	b := MustAllocate(1, 4, 1)
	fill(a, 1)
	fill(b, 50)
	b.InvalidateLogDensity(2)

	scratch := make([]float64, 1)
	a.SwapWalker(b, 2, scratch)
	assert.Equal(t, 250.0, a.Walker(2)[0])
	assert.Equal(t, 201.0, b.Walker(2)[0])
	_, ok := a.LogDensity(2)
	assert.False(t, ok, "marker travels with the value")
	v, ok := b.LogDensity(2)
	assert.True(t, ok)
	assert.Equal(t, -3.0, v)

	a.TakeWalker(b, 1)
	assert.Equal(t, b.Walker(1), a.Walker(1))
	v, _ = a.LogDensity(1)
	assert.Equal(t, -51.0, v)
}

func TestClone(t *testing.T) {
	t.Parallel()
	a := MustAllocate(3, 6, 4)
	fill(a, 2)
	a.InverseTemperature = 0.25
	a.ProposalSigma = 0.1
	a.Nodes = 2
	a.Target = func(x []float64) float64 { return -x[0] * x[0] }
	a.AddAccepted(11)

	c, err := a.Clone()
	require.NoError(t, err)
	assert.True(t, a.SameLayout(c))
	assert.Equal(t, 3, c.Threads)
	assert.Equal(t, 2, c.Nodes)
	assert.Equal(t, 0.25, c.InverseTemperature)
	assert.Equal(t, 0.1, c.ProposalSigma)
	require.NotNil(t, c.Target)
	assert.Zero(t, c.AcceptCount())

	wa, la := a.Buffers()
	wc, lc := c.Buffers()
	assert.Equal(t, wa, wc)
	assert.Equal(t, la, lc)

	// Independent storage.
	c.Walker(0)[0] = -1
	assert.NotEqual(t, -1.0, a.Walker(0)[0])
}

func TestLoadBuffers(t *testing.T) {
	t.Parallel()
	a := MustAllocate(1, 4, 3)
	b := MustAllocate(1, 4, 3)
	fill(a, 9)

	w, l := a.Buffers()
	require.NoError(t, b.LoadBuffers(w, l))
	assert.Equal(t, a.Walker(3), b.Walker(3))

	require.ErrorIs(t, b.LoadBuffers(w[:64], l), ErrLayoutMismatch)
}

func TestMeanAndCoordinate(t *testing.T) {
	t.Parallel()
	e := MustAllocate(1, 4, 2)
	for i := 0; i < 4; i++ {
		w := e.Walker(i)
		w[0], w[1] = float64(i), 10
	}
	assert.Equal(t, []float64{1.5, 10}, e.Mean())
	assert.Equal(t, []float64{0, 1, 2, 3}, e.Coordinate(0))
}
