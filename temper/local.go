// Package temper implements replica exchange between ensembles held at
// different inverse temperatures.
//
// Three forms are provided. LocalSwap exchanges walkers positionally between
// two ensembles in the same process. FieldSwap trades the whole buffers of
// two ensembles. An Exchanger runs the cross-process form over a Transport,
// with the lower rank of each pair deciding for both sides so that the two
// processes always apply identical decisions.
package temper

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/internal/metrics"
	"github.com/sbl8/gwmc/runtime"
)

var tracer = otel.Tracer("github.com/sbl8/gwmc/temper")

// SwapLogRatio is the tempered log ratio tested for exchanging slot i of a
// with slot i of b: (lnpA - lnpB) * (Ba - Bb).
func SwapLogRatio(lnpA, lnpB, betaA, betaB float64) float64 {
	return (lnpA - lnpB) * (betaA - betaB)
}

// swapRegion runs the per-walker swap test over every index in parallel and
// calls onAccept for each accepted index from the worker that owns it.
func swapRegion(ctx context.Context, en *runtime.Engine, a, b *core.Ensemble, onAccept func(i int, scratch []float64)) (int64, error) {
	if a.Freed() || b.Freed() {
		return 0, core.ErrFreed
	}
	if !a.SameLayout(b) {
		return 0, fmt.Errorf("%w: %dx%d vs %dx%d", core.ErrLayoutMismatch, a.NWalkers(), a.NDim(), b.NWalkers(), b.NDim())
	}

	n := a.NWalkers()
	workers := runtime.TeamSize(a.Threads, n)
	call := en.Random().Begin()
	tally := runtime.NewTally(workers)
	pool := en.Scratch(a.NDim())
	betaA, betaB := a.InverseTemperature, b.InverseTemperature

	err := runtime.ForkJoin(ctx, workers, func(ctx context.Context, w int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo, hi := runtime.Partition(n, workers, w)
		s := call.Stream(w)
		scratch := pool.Get()
		defer pool.Put(scratch)

		for i := lo; i < hi; i++ {
			lnpA, okA := a.LogDensity(i)
			lnpB, okB := b.LogDensity(i)
			if !okA || !okB {
				return fmt.Errorf("walker %d: %w", i, runtime.ErrNoLogDensity)
			}
			if runtime.Accept(SwapLogRatio(lnpA, lnpB, betaA, betaB), s) {
				onAccept(i, scratch)
				tally.Add(w, 1)
			}
		}
		return nil
	})
	return tally.Sum(), err
}

// LocalSwap tests every walker index of a against the same index of b and,
// on acceptance, exchanges the two positions together with their cached
// log-densities. Uncomputed log-densities are evaluated first. Only a's
// accept counter is updated. It returns the number of accepted swaps.
func LocalSwap(ctx context.Context, en *runtime.Engine, a, b *core.Ensemble) (int, error) {
	ctx, span := tracer.Start(ctx, "temper.LocalSwap",
		trace.WithAttributes(
			attribute.Float64("beta_a", a.InverseTemperature),
			attribute.Float64("beta_b", b.InverseTemperature),
		),
	)
	defer span.End()

	if err := refreshPair(ctx, en, a, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	start := time.Now()
	accepted, err := swapRegion(ctx, en, a, b, func(i int, scratch []float64) {
		a.SwapWalker(b, i, scratch)
	})
	a.AddAccepted(accepted)
	en.Metrics().RecordSwaps(metrics.SwapLocal, int64(a.NWalkers()), accepted)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return int(accepted), err
	}
	span.SetAttributes(attribute.Int64("accepted", accepted))
	span.SetStatus(codes.Ok, "")
	en.Logger().Debug("local swap", "accepted", accepted, "walkers", a.NWalkers(), "duration", time.Since(start))
	return int(accepted), nil
}

// FieldSwap trades the walker and log-density buffers of a and b wholesale.
// Temperatures, parameters and accept counters stay with their ensembles.
func FieldSwap(a, b *core.Ensemble) error {
	return core.SwapBuffers(a, b)
}

func refreshPair(ctx context.Context, en *runtime.Engine, a, b *core.Ensemble) error {
	if err := en.Refresh(ctx, a); err != nil {
		return fmt.Errorf("refresh a: %w", err)
	}
	if err := en.Refresh(ctx, b); err != nil {
		return fmt.Errorf("refresh b: %w", err)
	}
	return nil
}
