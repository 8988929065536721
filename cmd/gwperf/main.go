// Command gwperf measures how the sampler scales with the worker team size.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/model"
	"github.com/sbl8/gwmc/random"
	"github.com/sbl8/gwmc/runtime"
)

type options struct {
	test       string
	walkers    int
	dim        int
	sweeps     int
	evals      int
	maxThreads int
	steps      int
	seed       uint64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "gwperf",
		Short:        "Time log-density evaluation and sweeps across worker team sizes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.test, "test", "all", "test type: all, layout, density, shared, partitioned")
	f.IntVar(&o.walkers, "walkers", 1000, "number of walkers")
	f.IntVar(&o.dim, "dim", 4, "dimension")
	f.IntVar(&o.sweeps, "sweeps", 100, "sweeps per measurement")
	f.IntVar(&o.evals, "evals", 100, "log-density evaluations to time")
	f.IntVar(&o.maxThreads, "max-threads", goruntime.NumCPU(), "largest team size measured")
	f.IntVar(&o.steps, "steps", 10, "sweeps per block in partitioned mode")
	f.Uint64Var(&o.seed, "seed", 1, "base seed")
	return cmd
}

func run(ctx context.Context, out io.Writer, o options) error {
	fmt.Fprintf(out, "gwmc Scaling Harness\n")
	fmt.Fprintf(out, "====================\n")
	fmt.Fprintf(out, "Go Version: %s\n", goruntime.Version())
	fmt.Fprintf(out, "OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintf(out, "CPUs: %d\n", goruntime.NumCPU())
	fmt.Fprintf(out, "Walkers: %d x %d dims\n", o.walkers, o.dim)
	fmt.Fprintf(out, "Sweeps: %d\n\n", o.sweeps)

	e, err := core.Allocate(1, o.walkers, o.dim)
	if err != nil {
		return err
	}
	defer e.Free()
	e.Target = model.Scaling
	mean := make([]float64, o.dim)
	for i := range mean {
		mean[i] = 1
	}
	if err := e.InitializeGaussian(mean, 1, random.NewStream(o.seed)); err != nil {
		return err
	}
	en := runtime.NewEngine(random.NewManager(o.seed))

	switch o.test {
	case "all":
		runLayout(out, o)
		runDensity(out, e, o)
		if err := runScaling(ctx, out, en, e, o, false); err != nil {
			return err
		}
		return runScaling(ctx, out, en, e, o, true)
	case "layout":
		runLayout(out, o)
	case "density":
		runDensity(out, e, o)
	case "shared":
		return runScaling(ctx, out, en, e, o, false)
	case "partitioned":
		return runScaling(ctx, out, en, e, o, true)
	default:
		return fmt.Errorf("unknown test type: %s", o.test)
	}
	return nil
}

func runLayout(out io.Writer, o options) {
	fmt.Fprintf(out, "Memory Layout\n")
	fmt.Fprintf(out, "-------------\n")
	fmt.Fprintf(out, "Walker stride:       %d bytes\n", core.WalkerStride(o.dim))
	fmt.Fprintf(out, "Walkers per page:    %d\n", core.WalkersPerPage(o.dim))
	fmt.Fprintf(out, "Walker buffer:       %d bytes\n", core.WalkerBufferSize(o.walkers, o.dim))
	fmt.Fprintf(out, "Log-density buffer:  %d bytes\n\n", core.LogDensityBufferSize(o.walkers))
}

func runDensity(out io.Writer, e *core.Ensemble, o options) {
	fmt.Fprintf(out, "Log-density Evaluation\n")
	fmt.Fprintf(out, "----------------------\n")

	var accum float64
	start := time.Now()
	for i := 0; i < o.evals; i++ {
		accum += e.Target(e.Walker(i % e.NWalkers()))
	}
	d := time.Since(start)
	fmt.Fprintf(out, "(%f) %dx log-density: %v (%.1f ns/eval)\n\n",
		accum, o.evals, d, float64(d.Nanoseconds())/float64(max(o.evals, 1)))
}

func runScaling(ctx context.Context, out io.Writer, en *runtime.Engine, e *core.Ensemble, o options, partitioned bool) error {
	mode := "Shared"
	if partitioned {
		mode = "Partitioned"
	}
	title := mode + " Sweep Scaling"
	fmt.Fprintf(out, "%s\n%s\n", title, strings.Repeat("-", len(title)))

	var base time.Duration
	times := make([]string, 0, o.maxThreads)
	for threads := 1; threads <= o.maxThreads; threads++ {
		e.Threads = threads
		start := time.Now()
		for i := 0; i < o.sweeps; i++ {
			var err error
			if partitioned {
				err = en.MetropolisPartitioned(ctx, e, o.steps)
			} else {
				err = en.MetropolisSweep(ctx, e)
			}
			if err != nil {
				return fmt.Errorf("%d threads: %w", threads, err)
			}
		}
		d := time.Since(start)
		if threads == 1 {
			base = d
		}
		times = append(times, fmt.Sprintf("%f", d.Seconds()))
		fmt.Fprintf(out, "threads %2d: %v (speedup %.2fx)\n", threads, d, float64(base)/float64(d))
	}
	stats := en.Stats()
	fmt.Fprintf(out, "%s,\n", strings.Join(times, ","))
	fmt.Fprintf(out, "acceptance so far: %.4f\n\n", stats.AcceptanceRate())
	return nil
}
