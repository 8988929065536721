// Package runtime implements the concurrent update engine of the sampler.
//
// An Engine advances an ensemble by Metropolis sweeps executed by a team of
// workers. Each worker owns a static contiguous block of walkers for the
// duration of a parallel region, draws from its own random stream and keeps
// its accept tally on a private cache line. The tallies are summed after the
// join and added to the ensemble's accept counter exactly.
//
// Two variants are provided:
//   - MetropolisSweep: all workers update the shared ensemble in place.
//   - MetropolisPartitioned: every worker clones the ensemble, runs several
//     sweeps over its own block of the clone and copies the block back.
//
// Execution model:
//  1. Begin a random call scope; worker w draws from its stream w.
//  2. Fork the team, one goroutine per block.
//  3. Each worker proposes, evaluates and accepts or rejects walker by walker.
//  4. Join, reduce the tallies, record stats and metrics.
package runtime

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/internal/logging"
	"github.com/sbl8/gwmc/internal/metrics"
	"github.com/sbl8/gwmc/kernels"
	"github.com/sbl8/gwmc/random"
)

var tracer = otel.Tracer("github.com/sbl8/gwmc/runtime")

// Region modes reported to metrics.
const (
	ModeShared      = "shared"
	ModePartitioned = "partitioned"
)

// ctxCheckInterval is how many walkers a worker updates between context checks.
const ctxCheckInterval = 256

// Engine runs parallel regions over ensembles.
// An Engine may be shared by several ensembles but regions on the same
// ensemble must not overlap.
type Engine struct {
	rng     *random.Manager
	logger  logging.Logger
	metrics metrics.Collector

	poolMu sync.Mutex
	pools  map[int]*kernels.ScratchPool

	mu    sync.RWMutex
	stats ExecutionStats
}

// ExecutionStats tracks engine activity since creation.
type ExecutionStats struct {
	Regions      int64
	Proposals    int64
	Accepted     int64
	LastDuration time.Duration
}

// AcceptanceRate returns Accepted/Proposals, or zero before any proposal.
func (s ExecutionStats) AcceptanceRate() float64 {
	if s.Proposals == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Proposals)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// NewEngine creates an engine drawing its streams from rng.
func NewEngine(rng *random.Manager, opts ...Option) *Engine {
	e := &Engine{
		rng:     rng,
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
		pools:   make(map[int]*kernels.ScratchPool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Random returns the engine's stream manager.
func (en *Engine) Random() *random.Manager { return en.rng }

// Logger returns the engine logger.
func (en *Engine) Logger() logging.Logger { return en.logger }

// Metrics returns the engine's metrics collector.
func (en *Engine) Metrics() metrics.Collector { return en.metrics }

// Scratch returns the shared pool of ndim-long vectors.
func (en *Engine) Scratch(ndim int) *kernels.ScratchPool {
	en.poolMu.Lock()
	defer en.poolMu.Unlock()
	p, ok := en.pools[ndim]
	if !ok {
		p = kernels.NewScratchPool(ndim, 64)
		en.pools[ndim] = p
	}
	return p
}

// Stats returns a copy of the execution statistics.
func (en *Engine) Stats() ExecutionStats {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return en.stats
}

func (en *Engine) record(mode string, d time.Duration, proposals, accepted int64) {
	en.mu.Lock()
	en.stats.Regions++
	en.stats.Proposals += proposals
	en.stats.Accepted += accepted
	en.stats.LastDuration = d
	en.mu.Unlock()

	en.metrics.RecordSweep(mode, d.Seconds(), proposals, accepted)
}

// Accept applies the Metropolis rule to a tempered log ratio: accept when it
// is positive or when log(U) < logRatio for U drawn from (0, 1). A uniform is
// drawn only when logRatio <= 0.
func Accept(logRatio float64, s *random.Stream) bool {
	return logRatio > 0 || s.LogUniform() < logRatio
}

// Evaluate calls f on x and converts a panic or a NaN result into
// ErrLogDensity.
func Evaluate(f core.LogDensityFunc, x []float64) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrLogDensity, r)
		}
	}()
	v = f(x)
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: NaN", ErrLogDensity)
	}
	return v, nil
}

func checkEnsemble(e *core.Ensemble) error {
	if e.Freed() {
		return core.ErrFreed
	}
	if e.Target == nil {
		return ErrNoLogDensity
	}
	return nil
}

// cached returns walker i's log-density, evaluating and storing it first if
// the slot is marked uncomputed.
func cached(e *core.Ensemble, i int) (float64, error) {
	if v, ok := e.LogDensity(i); ok {
		return v, nil
	}
	v, err := Evaluate(e.Target, e.Walker(i))
	if err != nil {
		return 0, fmt.Errorf("walker %d: %w", i, err)
	}
	e.SetLogDensity(i, v)
	return v, nil
}

// sweepRange performs one Metropolis update of every walker in [lo, hi) of
// e, writing proposals through prop. It returns the number of acceptances.
// An accepted proposal overwrites the walker and its cached log-density
// together, so a failure leaves every walker either old or new.
func sweepRange(ctx context.Context, e *core.Ensemble, lo, hi int, s *random.Stream, prop []float64) (int64, error) {
	var accepted int64
	beta, sigma := e.InverseTemperature, e.ProposalSigma
	for i := lo; i < hi; i++ {
		if (i-lo)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return accepted, err
			}
		}
		cur, err := cached(e, i)
		if err != nil {
			return accepted, err
		}

		x := e.Walker(i)
		kernels.Propose(prop, x, sigma, s)
		next, err := Evaluate(e.Target, prop)
		if err != nil {
			return accepted, fmt.Errorf("walker %d proposal: %w", i, err)
		}

		if Accept(beta*(next-cur), s) {
			kernels.Copy(x, prop)
			e.SetLogDensity(i, next)
			accepted++
		}
	}
	return accepted, nil
}

// MetropolisSweep updates every walker of e once, in parallel, in place.
// The accept counter of e grows by the number of accepted proposals, also
// when the region aborts with an error.
func (en *Engine) MetropolisSweep(ctx context.Context, e *core.Ensemble) error {
	if err := checkEnsemble(e); err != nil {
		return err
	}
	n := e.NWalkers()
	workers := TeamSize(e.Threads, n)
	call := en.rng.Begin()
	tally := NewTally(workers)
	pool := en.Scratch(e.NDim())

	ctx, span := tracer.Start(ctx, "runtime.MetropolisSweep",
		trace.WithAttributes(
			attribute.Int("walkers", n),
			attribute.Int("workers", workers),
			attribute.Float64("beta", e.InverseTemperature),
		),
	)
	defer span.End()

	start := time.Now()
	err := ForkJoin(ctx, workers, func(ctx context.Context, w int) error {
		lo, hi := Partition(n, workers, w)
		prop := pool.Get()
		defer pool.Put(prop)

		acc, err := sweepRange(ctx, e, lo, hi, call.Stream(w), prop)
		tally.Add(w, acc)
		return err
	})

	accepted := tally.Sum()
	e.AddAccepted(accepted)
	en.record(ModeShared, time.Since(start), int64(n), accepted)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		en.logger.Error("metropolis sweep failed", "call", call.ID(), "error", err)
		return err
	}
	span.SetAttributes(attribute.Int64("accepted", accepted))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Run performs nsweeps shared sweeps on e.
func (en *Engine) Run(ctx context.Context, e *core.Ensemble, nsweeps int) error {
	if nsweeps <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSteps, nsweeps)
	}
	for k := 0; k < nsweeps; k++ {
		if err := en.MetropolisSweep(ctx, e); err != nil {
			return fmt.Errorf("sweep %d: %w", k, err)
		}
	}
	return nil
}

// MetropolisPartitioned is the clone-and-merge variant of MetropolisSweep.
//
// Every worker first clones the whole ensemble; the clones are taken before
// any worker starts updating. Worker w then performs nsteps sweeps over its
// own block of its clone and copies that block back into e. Blocks are
// disjoint so the copies never overlap.
func (en *Engine) MetropolisPartitioned(ctx context.Context, e *core.Ensemble, nsteps int) error {
	if err := checkEnsemble(e); err != nil {
		return err
	}
	if nsteps <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSteps, nsteps)
	}
	n := e.NWalkers()
	workers := TeamSize(e.Threads, n)
	call := en.rng.Begin()
	tally := NewTally(workers)
	pool := en.Scratch(e.NDim())

	ctx, span := tracer.Start(ctx, "runtime.MetropolisPartitioned",
		trace.WithAttributes(
			attribute.Int("walkers", n),
			attribute.Int("workers", workers),
			attribute.Int("steps", nsteps),
		),
	)
	defer span.End()

	start := time.Now()

	clones := make([]*core.Ensemble, workers)
	err := ForkJoin(ctx, workers, func(_ context.Context, w int) error {
		c, err := e.Clone()
		if err != nil {
			return fmt.Errorf("worker %d clone: %w", w, err)
		}
		clones[w] = c
		return nil
	})
	if err == nil {
		err = ForkJoin(ctx, workers, func(ctx context.Context, w int) error {
			lo, hi := Partition(n, workers, w)
			c := clones[w]
			s := call.Stream(w)
			prop := pool.Get()
			defer pool.Put(prop)

			var sweepErr error
			for k := 0; k < nsteps && sweepErr == nil; k++ {
				var acc int64
				acc, sweepErr = sweepRange(ctx, c, lo, hi, s, prop)
				tally.Add(w, acc)
			}
			if err := c.CopyRange(e, lo, hi); err != nil {
				return err
			}
			return sweepErr
		})
	}

	accepted := tally.Sum()
	e.AddAccepted(accepted)
	en.record(ModePartitioned, time.Since(start), int64(n)*int64(nsteps), accepted)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		en.logger.Error("partitioned sweep failed", "call", call.ID(), "error", err)
		return err
	}
	span.SetAttributes(attribute.Int64("accepted", accepted))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Refresh evaluates, in parallel, every log-density slot of e that is marked
// uncomputed. Slots already computed are left as they are. A target is only
// required when some slot still needs evaluating.
func (en *Engine) Refresh(ctx context.Context, e *core.Ensemble) error {
	if e.Freed() {
		return core.ErrFreed
	}
	if e.Target == nil {
		for i := 0; i < e.NWalkers(); i++ {
			if _, ok := e.LogDensity(i); !ok {
				return fmt.Errorf("walker %d: %w", i, ErrNoLogDensity)
			}
		}
		return nil
	}
	n := e.NWalkers()
	workers := TeamSize(e.Threads, n)

	ctx, span := tracer.Start(ctx, "runtime.Refresh",
		trace.WithAttributes(attribute.Int("walkers", n)),
	)
	defer span.End()

	err := ForkJoin(ctx, workers, func(ctx context.Context, w int) error {
		lo, hi := Partition(n, workers, w)
		for i := lo; i < hi; i++ {
			if (i-lo)%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			if _, err := cached(e, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
