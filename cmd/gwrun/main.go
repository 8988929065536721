// Command gwrun samples a target density with one ensemble, or with a
// ladder of tempered ensembles exchanging walkers in this process.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sbl8/gwmc/internal/app"
	"github.com/sbl8/gwmc/model"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gwrun",
		Short: "Run a parallel ensemble sampler with optional in-process replica exchange",
		Long: `gwrun advances an ensemble of walkers with parallel Metropolis sweeps.
With a ladder of inverse temperatures it runs one ensemble per rung and
swaps walkers between neighbouring rungs every --temper-every sweeps.

Targets: ` + fmt.Sprint(model.Names()),
		SilenceUsage: true,
		RunE:         run,
	}
	app.AddFlags(cmd)
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := app.LoadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, closeEnv, err := app.OpenEnv(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer closeEnv()

	sum, err := app.RunLocal(ctx, cfg, env)
	if err != nil {
		env.Logger.Error("run failed", "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d sweeps in %v\n", sum.RunID, sum.Sweeps, sum.Duration)
	for r, rate := range sum.AcceptanceRate {
		fmt.Fprintf(out, "  replica %d: acceptance %.4f\n", r, rate)
	}
	fmt.Fprintf(out, "  mean of replica 0: %v\n", sum.Mean)
	return nil
}
