package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sbl8/gwmc/config"
	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/output"
	"github.com/sbl8/gwmc/runtime"
	"github.com/sbl8/gwmc/temper"
)

// Summary reports the outcome of a run.
type Summary struct {
	RunID  string
	Sweeps int
	// SweepAccepted is the number of accepted Metropolis proposals per
	// replica, in rank order.
	SweepAccepted []int64
	// AcceptanceRate is SweepAccepted over the proposals made per replica.
	AcceptanceRate []float64
	// SwapAccepted is the number of accepted swaps per temper step.
	SwapAccepted []int
	// Mean is the final population mean of the coldest replica.
	Mean     []float64
	Duration time.Duration
}

// sweeper advances one replica by one configured sweep and counts the
// accepted proposals it made.
type sweeper struct {
	engine *runtime.Engine
	run    config.RunConfig
}

func (s sweeper) proposalsPerSweep(e *core.Ensemble) int64 {
	n := int64(e.NWalkers())
	if s.run.Mode == config.ModePartitioned {
		return n * int64(s.run.PartitionSteps)
	}
	return n
}

func (s sweeper) sweep(ctx context.Context, e *core.Ensemble) (int64, error) {
	before := e.AcceptCount()
	var err error
	if s.run.Mode == config.ModePartitioned {
		err = s.engine.MetropolisPartitioned(ctx, e, s.run.PartitionSteps)
	} else {
		err = s.engine.MetropolisSweep(ctx, e)
	}
	return e.AcceptCount() - before, err
}

func every(n, sweep int) bool {
	return n > 0 && sweep%n == 0
}

func runID(cfg config.Config) string {
	if cfg.Exchange.RunID != "" {
		return cfg.Exchange.RunID
	}
	return uuid.NewString()
}

// RunLocal runs the whole configured ladder, or a single ensemble when no
// ladder is configured, in this process.
func RunLocal(ctx context.Context, cfg config.Config, env Env) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	env = env.withDefaults()
	start := time.Now()

	rng, err := NewRandom(cfg.Sampler.Seed)
	if err != nil {
		return nil, err
	}
	en := NewEngine(rng, env)
	template, err := NewEnsemble(cfg, rng)
	if err != nil {
		return nil, err
	}
	ladder, err := NewLadder(cfg)
	if err != nil {
		return nil, err
	}

	var (
		local    *temper.LocalLadder
		replicas []*core.Ensemble
	)
	if ladder == nil {
		template.InverseTemperature = core.DefaultInverseTemperature
		replicas = []*core.Ensemble{template}
	} else {
		local, err = temper.NewLocalLadder(en, ladder, template)
		if err != nil {
			return nil, err
		}
		template.Free()
		for r := 0; r < local.Len(); r++ {
			replicas = append(replicas, local.Replica(r))
		}
	}
	defer func() {
		for _, e := range replicas {
			e.Free()
		}
	}()

	sum := &Summary{RunID: runID(cfg), SweepAccepted: make([]int64, len(replicas))}
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
	env.Logger.Info("run starting",
		"run_id", sum.RunID, "replicas", len(replicas), "walkers", cfg.Sampler.Walkers,
		"dim", cfg.Sampler.Dim, "sweeps", cfg.Run.Sweeps, "mode", cfg.Run.Mode, "seed", rng.Seed())

	sw := sweeper{engine: en, run: cfg.Run}
	for s := 1; s <= cfg.Run.Sweeps; s++ {
		for r, e := range replicas {
			n, err := sw.sweep(ctx, e)
			sum.SweepAccepted[r] += n
			if err != nil {
				return sum, fmt.Errorf("sweep %d replica %d: %w", s, r, err)
			}
		}
		sum.Sweeps = s

		if local != nil && every(cfg.Run.TemperEvery, s) {
			step := local.Step()
			accepted, err := local.Temper(ctx)
			if err != nil {
				return sum, fmt.Errorf("temper at sweep %d: %w", s, err)
			}
			total := 0
			for k, p := range ladder.Pairs(step) {
				total += accepted[k]
				if env.Store != nil {
					if err := env.Store.RecordSwaps(ctx, sum.RunID, step, p[0], p[1], cfg.Sampler.Walkers, accepted[k]); err != nil {
						return sum, err
					}
				}
			}
			sum.SwapAccepted = append(sum.SwapAccepted, total)
		}

		if env.Store != nil && every(cfg.Run.SnapshotEvery, s) {
			if err := snapshot(ctx, env.Store, sum.RunID, s, replicas); err != nil {
				return sum, err
			}
		}
	}

	if err := finish(ctx, cfg, env, sum, sw, replicas, 0, cfg.Output.Text); err != nil {
		return sum, err
	}
	sum.Duration = time.Since(start)
	env.Logger.Info("run complete", "run_id", sum.RunID, "sweeps", sum.Sweeps,
		"acceptance", sum.AcceptanceRate, "duration", sum.Duration)
	return sum, nil
}

func snapshot(ctx context.Context, store *output.SQLiteStore, id string, sweep int, replicas []*core.Ensemble) error {
	for r, e := range replicas {
		if err := store.SaveSnapshot(ctx, id, r, sweep, e); err != nil {
			return err
		}
	}
	return nil
}

// finish fills the summary, reports acceptance rates and writes the final
// outputs. Replica r is reported under the label firstRank+r; the coldest
// replica is written to textPath when it is set.
func finish(ctx context.Context, cfg config.Config, env Env, sum *Summary, sw sweeper, replicas []*core.Ensemble, firstRank int, textPath string) error {
	sum.AcceptanceRate = make([]float64, len(replicas))
	for r, e := range replicas {
		if proposals := sw.proposalsPerSweep(e) * int64(sum.Sweeps); proposals > 0 {
			sum.AcceptanceRate[r] = float64(sum.SweepAccepted[r]) / float64(proposals)
		}
		env.Metrics.SetAcceptanceRate(strconv.Itoa(firstRank+r), sum.AcceptanceRate[r])
	}
	sum.Mean = replicas[0].Mean()

	if env.Store != nil && !every(cfg.Run.SnapshotEvery, sum.Sweeps) {
		if err := snapshot(ctx, env.Store, sum.RunID, sum.Sweeps, replicas); err != nil {
			return err
		}
	}
	if textPath != "" {
		if err := output.WriteTextFile(textPath, replicas[0]); err != nil {
			return err
		}
	}
	return nil
}
