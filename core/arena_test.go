package core

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		size, align, want int
	}{
		{0, 64, 0},
		{1, 64, 64},
		{8, 64, 64},
		{64, 64, 64},
		{65, 64, 128},
		{24, 8, 24},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AlignSize(tt.size, tt.align), "AlignSize(%d, %d)", tt.size, tt.align)
	}
}

func TestWalkerStride(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ndim, want int
	}{
		{1, 64},
		{4, 64},
		{8, 64},
		{9, 128},
		{16, 128},
		{17, 192},
	}
	for _, tt := range tests {
		got := WalkerStride(tt.ndim)
		assert.Equal(t, tt.want, got, "ndim=%d", tt.ndim)
		assert.Zero(t, got%CacheLineSize)
		assert.GreaterOrEqual(t, got, tt.ndim*Float64Size)
	}
	assert.Equal(t, 64*10, LogDensityBufferSize(10))
	assert.Equal(t, 128*6, WalkerBufferSize(6, 12))
	assert.Equal(t, 64, WalkersPerPage(4))
	assert.Equal(t, 1, WalkersPerPage(1024))
}

func TestAlignedBytes(t *testing.T) {
	t.Parallel()
	for _, size := range []int{1, 63, 64, 100, 4096} {
		buf := AlignedBytes(size)
		require.Len(t, buf, size)
		assert.Equal(t, size, cap(buf))
		assert.True(t, IsAligned(uintptr(unsafe.Pointer(&buf[0]))), "size %d", size)
	}
	assert.Nil(t, AlignedBytes(0))
}

func TestNewSlotArena(t *testing.T) {
	t.Parallel()

	a, err := NewSlotArena(6, 3, 64)
	require.NoError(t, err)
	assert.Equal(t, 6, a.Slots())
	assert.Equal(t, 3, a.Width())
	assert.Equal(t, 64, a.Stride())
	assert.Len(t, a.Bytes(), 6*64)

	for i := 0; i < a.Slots(); i++ {
		s := a.Slot(i)
		require.Len(t, s, 3)
		assert.Equal(t, 3, cap(s), "slot views must not reach into padding")
		assert.True(t, IsAligned(uintptr(unsafe.Pointer(&s[0]))), "slot %d", i)
	}

	_, err = NewSlotArena(0, 3, 64)
	require.ErrorIs(t, err, ErrInvalidShape)
	_, err = NewSlotArena(2, 0, 64)
	require.ErrorIs(t, err, ErrInvalidShape)
	_, err = NewSlotArena(2, 3, 40)
	require.ErrorIs(t, err, ErrMisaligned)
	_, err = NewSlotArena(2, 9, 64)
	require.ErrorIs(t, err, ErrMisaligned)
}

func TestSlotArenaIsolation(t *testing.T) {
	t.Parallel()

	a, err := NewSlotArena(4, 2, 64)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		s := a.Slot(i)
		s[0], s[1] = float64(i), float64(-i)
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, []float64{float64(i), float64(-i)}, a.Slot(i))
	}

	assert.Len(t, a.Range(1, 3), 2*64)

	b, err := NewSlotArena(4, 2, 64)
	require.NoError(t, err)
	assert.True(t, a.SameLayout(b))
	c, err := NewSlotArena(4, 2, 128)
	require.NoError(t, err)
	assert.False(t, a.SameLayout(c))

	a.Zero()
	for i := 0; i < 4; i++ {
		assert.Equal(t, []float64{0, 0}, a.Slot(i))
	}
}
