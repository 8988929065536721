package temper

import (
	"context"
	"fmt"

	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/runtime"
)

// LocalLadder holds one ensemble per rung of a ladder in a single process
// and tempers neighbouring rungs with LocalSwap.
type LocalLadder struct {
	engine   *runtime.Engine
	ladder   *Ladder
	replicas []*core.Ensemble
	step     uint64
}

// NewLocalLadder clones template once per rung and sets each clone's
// inverse temperature from the ladder.
func NewLocalLadder(en *runtime.Engine, ladder *Ladder, template *core.Ensemble) (*LocalLadder, error) {
	replicas := make([]*core.Ensemble, ladder.Len())
	for r := range replicas {
		c, err := template.Clone()
		if err != nil {
			return nil, fmt.Errorf("replica %d: %w", r, err)
		}
		c.InverseTemperature = ladder.Beta(r)
		replicas[r] = c
	}
	return &LocalLadder{engine: en, ladder: ladder, replicas: replicas}, nil
}

// Replica returns the ensemble at rank.
func (l *LocalLadder) Replica(rank int) *core.Ensemble { return l.replicas[rank] }

// Len returns the number of rungs.
func (l *LocalLadder) Len() int { return len(l.replicas) }

// Step returns the number of tempering steps performed.
func (l *LocalLadder) Step() uint64 { return l.step }

// Sweep runs one shared Metropolis sweep on every replica in rank order.
func (l *LocalLadder) Sweep(ctx context.Context) error {
	for r, e := range l.replicas {
		if err := l.engine.MetropolisSweep(ctx, e); err != nil {
			return fmt.Errorf("replica %d: %w", r, err)
		}
	}
	return nil
}

// SweepPartitioned runs MetropolisPartitioned with nsteps on every replica.
func (l *LocalLadder) SweepPartitioned(ctx context.Context, nsteps int) error {
	for r, e := range l.replicas {
		if err := l.engine.MetropolisPartitioned(ctx, e, nsteps); err != nil {
			return fmt.Errorf("replica %d: %w", r, err)
		}
	}
	return nil
}

// Temper swaps every pair of the current step, lower rank first, then
// advances the step. It returns the accepted swaps per pair in pair order.
func (l *LocalLadder) Temper(ctx context.Context) ([]int, error) {
	pairs := l.ladder.Pairs(l.step)
	accepted := make([]int, len(pairs))
	for k, p := range pairs {
		n, err := LocalSwap(ctx, l.engine, l.replicas[p[0]], l.replicas[p[1]])
		if err != nil {
			return accepted, fmt.Errorf("swap %d-%d: %w", p[0], p[1], err)
		}
		accepted[k] = n
	}
	l.step++
	return accepted, nil
}
