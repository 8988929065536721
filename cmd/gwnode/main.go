// Command gwnode runs one rank of a replica-exchange ladder spread over
// several processes. Ranks find each other through a NATS server; start one
// gwnode per rung with the same configuration and a distinct --rank. With
// the memory transport every rank runs in this one process instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/sbl8/gwmc/config"
	"github.com/sbl8/gwmc/internal/app"
	"github.com/sbl8/gwmc/temper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gwnode",
		Short:        "Run one rank of a cross-process replica-exchange ladder over NATS",
		SilenceUsage: true,
		RunE:         run,
	}
	app.AddFlags(cmd)
	app.AddExchangeFlags(cmd)
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

	if cfg.Exchange.Transport == config.TransportMemory {
		return runHub(ctx, cmd, cfg, env)
	}

	rank := cfg.Exchange.Rank
	nc, err := nats.Connect(cfg.Exchange.NATSURL,
		nats.Name(fmt.Sprintf("gwnode-%d", rank)),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				env.Logger.Warn("nats disconnected", "rank", rank, "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			env.Logger.Info("nats reconnected", "rank", rank, "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Exchange.NATSURL, err)
	}
	defer nc.Close()
	if limit := nc.MaxPayload(); limit > 0 && !cfg.Exchange.Compress && cfg.FrameBytes() > limit {
		return fmt.Errorf("exchange frames need %d bytes, %s accepts %d: enable --compress or raise the server max_payload",
			cfg.FrameBytes(), cfg.Exchange.NATSURL, limit)
	}

	tr, err := temper.NewNATSTransport(nc, cfg.Exchange.SubjectPrefix, rank)
	if err != nil {
		return err
	}
	defer tr.Close()

	sum, err := app.RunNode(ctx, cfg, env, tr)
	if err != nil {
		env.Logger.Error("node failed", "rank", rank, "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rank %d (%s): %d sweeps, %d exchanges in %v\n",
		rank, sum.RunID, sum.Sweeps, len(sum.SwapAccepted), sum.Duration)
	fmt.Fprintf(out, "  acceptance %.4f, mean %v\n", sum.AcceptanceRate[0], sum.Mean)
	return nil
}

// runHub runs every rank in this process when the memory transport is
// configured.
func runHub(ctx context.Context, cmd *cobra.Command, cfg config.Config, env app.Env) error {
	sums, err := app.RunHub(ctx, cfg, env)
	if err != nil {
		env.Logger.Error("ladder failed", "error", err)
		return err
	}
	out := cmd.OutOrStdout()
	for r, sum := range sums {
		fmt.Fprintf(out, "rank %d (%s): %d sweeps, %d exchanges, acceptance %.4f\n",
			r, sum.RunID, sum.Sweeps, len(sum.SwapAccepted), sum.AcceptanceRate[0])
	}
	return nil
}
