package temper

import (
	"fmt"
	"math"
	"slices"
)

// DefaultBetas is the four-rung inverse temperature ladder used when none is
// configured.
var DefaultBetas = []float64{16, 8, 4, 2}

// Ladder is an ordered list of inverse temperatures, one per rank.
// Its length is even so that every rank has a partner on every step.
type Ladder struct {
	betas []float64
}

// NewLadder validates betas and returns a ladder over a copy of them.
func NewLadder(betas []float64) (*Ladder, error) {
	if len(betas) < 2 || len(betas)%2 != 0 {
		return nil, fmt.Errorf("%w: need an even number of rungs, got %d", ErrLadder, len(betas))
	}
	for i, b := range betas {
		if math.IsNaN(b) || math.IsInf(b, 0) || b < 0 {
			return nil, fmt.Errorf("%w: beta[%d]=%v", ErrLadder, i, b)
		}
	}
	return &Ladder{betas: slices.Clone(betas)}, nil
}

// Len returns the number of rungs.
func (l *Ladder) Len() int { return len(l.betas) }

// Beta returns the inverse temperature of rank.
func (l *Ladder) Beta(rank int) float64 { return l.betas[rank] }

// Betas returns a copy of the ladder.
func (l *Ladder) Betas() []float64 { return slices.Clone(l.betas) }

// Partner returns the rank paired with rank on the given step. Even steps
// pair (0,1), (2,3), ...; odd steps pair (1,2), (3,4), ..., (n-1,0) around
// the ring.
func (l *Ladder) Partner(rank int, step uint64) int {
	n := len(l.betas)
	if step%2 == 0 {
		return rank ^ 1
	}
	if rank%2 == 1 {
		return (rank + 1) % n
	}
	return (rank - 1 + n) % n
}

// Pairs returns every pair (lo, hi) with lo < hi that exchanges on step.
func (l *Ladder) Pairs(step uint64) [][2]int {
	pairs := make([][2]int, 0, len(l.betas)/2)
	for r := range l.betas {
		if p := l.Partner(r, step); r < p {
			pairs = append(pairs, [2]int{r, p})
		}
	}
	return pairs
}

// Authoritative reports whether rank decides the exchange with partner.
// The lower rank of a pair is authoritative.
func Authoritative(rank, partner int) bool {
	return rank < partner
}

// CheckRank returns ErrLadder if rank is not on the ladder.
func (l *Ladder) CheckRank(rank int) error {
	if rank < 0 || rank >= len(l.betas) {
		return fmt.Errorf("%w: rank %d outside [0, %d)", ErrLadder, rank, len(l.betas))
	}
	return nil
}
