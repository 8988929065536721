package app

import (
	"github.com/spf13/cobra"

	"github.com/sbl8/gwmc/config"
)

// AddFlags registers the configuration file flag and the flags that
// override individual configuration values.
func AddFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "YAML configuration file")

	f.Int("walkers", 0, "number of walkers (even)")
	f.Int("dim", 0, "dimension of the target")
	f.Int("threads", 0, "worker team size; 0 means GOMAXPROCS")
	f.Uint64("seed", 0, "base seed; 0 seeds from entropy")
	f.Float64("sigma", 0, "proposal standard deviation")
	f.String("target", "", "target log-density")

	f.Int("sweeps", 0, "number of sweeps")
	f.String("mode", "", "update mode: shared or partitioned")
	f.Int("partition-steps", 0, "sweeps per block in partitioned mode")
	f.Int("temper-every", 0, "sweeps between tempering steps; 0 disables tempering")
	f.Int("snapshot-every", 0, "sweeps between stored snapshots")
	f.Float64Slice("betas", nil, "inverse temperature ladder, coldest first")

	f.String("text", "", "write the final walkers of the coldest replica to this file")
	f.String("sqlite", "", "record runs and snapshots in this SQLite file")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: text or json")
}

// AddExchangeFlags registers the cross-process exchange flags.
func AddExchangeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("rank", 0, "rank of this process on the ladder")
	f.String("nats-url", "", "NATS server URL")
	f.String("subject-prefix", "", "NATS subject prefix")
	f.String("run-id", "", "run identifier shared by every rank")
	f.Duration("timeout", 0, "bound on one exchange")
	f.Bool("compress", false, "zstd-compress exchange frames")
	f.Int64("max-payload", 0, "largest message the broker accepts, in bytes")
}

// LoadConfig reads the file named by --config, applies every flag the user
// set and validates the result.
func LoadConfig(cmd *cobra.Command) (config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := config.Read(path)
	if err != nil {
		return cfg, err
	}

	intFlags := map[string]*int{
		"walkers":         &cfg.Sampler.Walkers,
		"dim":             &cfg.Sampler.Dim,
		"threads":         &cfg.Sampler.Threads,
		"sweeps":          &cfg.Run.Sweeps,
		"partition-steps": &cfg.Run.PartitionSteps,
		"temper-every":    &cfg.Run.TemperEvery,
		"snapshot-every":  &cfg.Run.SnapshotEvery,
		"rank":            &cfg.Exchange.Rank,
	}
	for name, dst := range intFlags {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}

	stringFlags := map[string]*string{
		"target":         &cfg.Target.Name,
		"mode":           &cfg.Run.Mode,
		"text":           &cfg.Output.Text,
		"sqlite":         &cfg.Output.SQLite,
		"metrics-addr":   &cfg.Metrics.Addr,
		"log-level":      &cfg.Logging.Level,
		"log-format":     &cfg.Logging.Format,
		"nats-url":       &cfg.Exchange.NATSURL,
		"subject-prefix": &cfg.Exchange.SubjectPrefix,
		"run-id":         &cfg.Exchange.RunID,
	}
	for name, dst := range stringFlags {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}

	if f.Changed("seed") {
		cfg.Sampler.Seed, _ = f.GetUint64("seed")
	}
	if f.Changed("sigma") {
		cfg.Sampler.ProposalSigma, _ = f.GetFloat64("sigma")
	}
	if f.Changed("betas") {
		cfg.Ladder.Betas, _ = f.GetFloat64Slice("betas")
	}
	if f.Changed("timeout") {
		cfg.Exchange.Timeout, _ = f.GetDuration("timeout")
	}
	if f.Changed("compress") {
		cfg.Exchange.Compress, _ = f.GetBool("compress")
	}
	if f.Changed("max-payload") {
		cfg.Exchange.MaxPayload, _ = f.GetInt64("max-payload")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
