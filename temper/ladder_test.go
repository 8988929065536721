package temper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLadder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		betas   []float64
		wantErr bool
	}{
		{"default", DefaultBetas, false},
		{"two rungs", []float64{1, 0.5}, false},
		{"equal rungs", []float64{1, 1}, false},
		{"odd length", []float64{1, 0.5, 0.25}, true},
		{"empty", nil, true},
		{"negative", []float64{1, -1}, true},
		{"infinite", []float64{1, 1.0 / zero()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLadder(tt.betas)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrLadder)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.betas, l.Betas())
		})
	}
}

func zero() float64 { return 0 }

func TestLadderPartner(t *testing.T) {
	t.Parallel()
	l, err := NewLadder(DefaultBetas)
	require.NoError(t, err)

	even := []int{1, 0, 3, 2}
	odd := []int{3, 2, 1, 0}
	for r := 0; r < 4; r++ {
		assert.Equal(t, even[r], l.Partner(r, 0), "rank %d even", r)
		assert.Equal(t, even[r], l.Partner(r, 2), "rank %d even", r)
		assert.Equal(t, odd[r], l.Partner(r, 1), "rank %d odd", r)
		for step := uint64(0); step < 4; step++ {
			p := l.Partner(r, step)
			assert.Equal(t, r, l.Partner(p, step), "pairing must be symmetric")
			assert.NotEqual(t, Authoritative(r, p), Authoritative(p, r))
		}
	}

	assert.Equal(t, [][2]int{{0, 1}, {2, 3}}, l.Pairs(0))
	assert.Equal(t, [][2]int{{0, 3}, {1, 2}}, l.Pairs(1))

	require.NoError(t, l.CheckRank(3))
	require.ErrorIs(t, l.CheckRank(4), ErrLadder)
	require.ErrorIs(t, l.CheckRank(-1), ErrLadder)
}

func TestTwoRungLadderPartners(t *testing.T) {
	t.Parallel()
	l, err := NewLadder([]float64{2, 1})
	require.NoError(t, err)
	for step := uint64(0); step < 3; step++ {
		assert.Equal(t, 1, l.Partner(0, step))
		assert.Equal(t, 0, l.Partner(1, step))
	}
}
