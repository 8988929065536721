package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sbl8/gwmc/config"
	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/output"
	"github.com/sbl8/gwmc/random"
	"github.com/sbl8/gwmc/temper"
)

// ErrNoLadder is returned by RunNode when no ladder is configured.
var ErrNoLadder = errors.New("node mode needs a ladder")

// rankSeedStride spreads the base seed across ranks so that no two ranks
// share a random stream.
const rankSeedStride = 0x9e3779b97f4a7c15

// RunNode runs the ensemble of one rank of a cross-process ladder and
// exchanges with its neighbours over tr every cfg.Run.TemperEvery sweeps.
// Every rank must run the same configuration apart from its rank.
func RunNode(ctx context.Context, cfg config.Config, env Env, tr temper.Transport) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	env = env.withDefaults()
	ladder, err := NewLadder(cfg)
	if err != nil {
		return nil, err
	}
	if ladder == nil {
		return nil, ErrNoLadder
	}
	rank := cfg.Exchange.Rank
	start := time.Now()

	var rng *random.Manager
	if cfg.Sampler.Seed == 0 {
		if rng, err = random.NewEntropyManager(); err != nil {
			return nil, err
		}
	} else {
		rng = random.NewManager(cfg.Sampler.Seed + uint64(rank)*rankSeedStride)
	}
	en := NewEngine(rng, env)
	e, err := NewEnsemble(cfg, rng)
	if err != nil {
		return nil, err
	}
	defer e.Free()
	e.InverseTemperature = ladder.Beta(rank)
	e.Nodes = ladder.Len()

	codec, err := temper.NewCodec(cfg.Exchange.Compress)
	if err != nil {
		return nil, err
	}
	defer codec.Close()
	x, err := temper.NewExchanger(en, tr, codec, ladder, rank,
		temper.WithTimeout(cfg.Exchange.Timeout),
		temper.WithRunID(cfg.Exchange.RunID),
	)
	if err != nil {
		return nil, err
	}

	base := cfg.Exchange.RunID
	if base == "" {
		base = "node"
	}
	sum := &Summary{RunID: fmt.Sprintf("%s/%d", base, rank), SweepAccepted: make([]int64, 1)}
	if env.Store != nil {
		if _, err := env.Store.CreateRun(ctx, output.Run{
			ID:       sum.RunID,
			Target:   cfg.Target.Name,
			NWalkers: cfg.Sampler.Walkers,
			NDim:     cfg.Sampler.Dim,
			Seed:     rng.Seed(),
			Betas:    cfg.Ladder.Betas,
		}); err != nil {
			return nil, err
		}
	}
	env.Logger.Info("node starting", "rank", rank, "ranks", ladder.Len(), "beta", e.InverseTemperature,
		"walkers", cfg.Sampler.Walkers, "dim", cfg.Sampler.Dim, "sweeps", cfg.Run.Sweeps)

	sw := sweeper{engine: en, run: cfg.Run}
	replicas := []*core.Ensemble{e}
	var step uint64
	for s := 1; s <= cfg.Run.Sweeps; s++ {
		n, err := sw.sweep(ctx, e)
		sum.SweepAccepted[0] += n
		if err != nil {
			return sum, fmt.Errorf("sweep %d: %w", s, err)
		}
		sum.Sweeps = s

		if every(cfg.Run.TemperEvery, s) {
			res, err := x.Exchange(ctx, e, step)
			if err != nil {
				return sum, fmt.Errorf("exchange at sweep %d: %w", s, err)
			}
			sum.SwapAccepted = append(sum.SwapAccepted, res.Accepted)
			if env.Store != nil && res.Authority {
				if err := env.Store.RecordSwaps(ctx, sum.RunID, step, rank, res.Partner, res.Attempts, res.Accepted); err != nil {
					return sum, err
				}
			}
			step++
		}

		if env.Store != nil && every(cfg.Run.SnapshotEvery, s) {
			if err := snapshot(ctx, env.Store, sum.RunID, s, replicas); err != nil {
				return sum, err
			}
		}
	}

	textPath := ""
	if cfg.Output.Text != "" {
		textPath = fmt.Sprintf("%s.rank%d", cfg.Output.Text, rank)
	}
	if err := finish(ctx, cfg, env, sum, sw, replicas, rank, textPath); err != nil {
		return sum, err
	}
	sum.Duration = time.Since(start)
	env.Logger.Info("node complete", "rank", rank, "sweeps", sum.Sweeps, "exchanges", len(sum.SwapAccepted),
		"acceptance", sum.AcceptanceRate[0], "duration", sum.Duration)
	return sum, nil
}

// RunHub runs every rank of the ladder in this process, each on its own
// goroutine, exchanging through an in-memory hub. It is the single-process
// form of a cross-process run and returns the summaries in rank order.
func RunHub(ctx context.Context, cfg config.Config, env Env) ([]*Summary, error) {
	ladder, err := NewLadder(cfg)
	if err != nil {
		return nil, err
	}
	if ladder == nil {
		return nil, ErrNoLadder
	}

	hub := temper.NewHub()
	sums := make([]*Summary, ladder.Len())
	g, gCtx := errgroup.WithContext(ctx)
	for r := range sums {
		rankCfg := cfg
		rankCfg.Exchange.Rank = r
		g.Go(func() error {
			tr := hub.Transport(r)
			defer tr.Close()
			sum, err := RunNode(gCtx, rankCfg, env, tr)
			sums[r] = sum
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			return nil
		})
	}
	return sums, g.Wait()
}
