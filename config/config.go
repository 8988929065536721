// Package config loads sampler run configuration from YAML files, the
// environment and built-in defaults.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/internal/logging"
)

// Update modes accepted by RunConfig.Mode.
const (
	ModeShared      = "shared"
	ModePartitioned = "partitioned"
)

// DefaultMaxPayload is the NATS server's default max_payload.
const DefaultMaxPayload = 1 << 20

// frameOverhead bounds the preamble and metadata of one exchange frame.
const frameOverhead = 1 << 10

// Exchange transports accepted by ExchangeConfig.Transport.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

// Config is the full configuration of a run.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	Sampler  SamplerConfig  `yaml:"sampler"`
	Init     InitConfig     `yaml:"init"`
	Run      RunConfig      `yaml:"run"`
	Ladder   LadderConfig   `yaml:"ladder"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Output   OutputConfig   `yaml:"output"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Target   TargetConfig   `yaml:"target"`
}

// SamplerConfig sizes the ensemble and its proposal.
type SamplerConfig struct {
	Walkers       int     `yaml:"walkers"`
	Dim           int     `yaml:"dim"`
	Threads       int     `yaml:"threads"` // 0 means GOMAXPROCS
	ProposalSigma float64 `yaml:"proposal_sigma"`
	Stretch       float64 `yaml:"stretch"`
	Seed          uint64  `yaml:"seed"` // 0 means seed from entropy
}

// InitConfig places the walkers before the first sweep.
type InitConfig struct {
	Mean  []float64 `yaml:"mean"` // empty means the origin
	Sigma float64   `yaml:"sigma"`
}

// RunConfig drives the sweep loop.
type RunConfig struct {
	Sweeps         int    `yaml:"sweeps"`
	Mode           string `yaml:"mode"`
	PartitionSteps int    `yaml:"partition_steps"`
	TemperEvery    int    `yaml:"temper_every"`   // 0 disables tempering
	SnapshotEvery  int    `yaml:"snapshot_every"` // 0 stores the final state only
}

// LadderConfig lists the inverse temperatures, coldest first. Empty runs a
// single ensemble at B = 1.
type LadderConfig struct {
	Betas []float64 `yaml:"betas"`
}

// ExchangeConfig configures cross-process exchange.
type ExchangeConfig struct {
	Transport     string        `yaml:"transport"`
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
	Compress      bool          `yaml:"compress"`
	MaxPayload    int64         `yaml:"max_payload"` // broker message limit; 0 skips the check
	Rank          int           `yaml:"rank"`
	RunID         string        `yaml:"run_id"`
}

// OutputConfig names the result sinks. Empty paths are skipped.
type OutputConfig struct {
	Text   string `yaml:"text"`
	SQLite string `yaml:"sqlite"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// TargetConfig selects the log-density from the model catalog.
type TargetConfig struct {
	Name string `yaml:"name"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Sampler: SamplerConfig{
			Walkers:       1000,
			Dim:           4,
			ProposalSigma: 1,
			Stretch:       2,
		},
		Init: InitConfig{
			Sigma: 1,
		},
		Run: RunConfig{
			Sweeps:         1000,
			Mode:           ModeShared,
			PartitionSteps: 10,
		},
		Exchange: ExchangeConfig{
			Transport:     TransportMemory,
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "gwmc",
			Timeout:       30 * time.Second,
			MaxPayload:    DefaultMaxPayload,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
		Metrics: MetricsConfig{
			Namespace: "gwmc",
		},
		Target: TargetConfig{
			Name: "gaussian0",
		},
	}
}

// Load builds a configuration with priority env > file > defaults and
// validates it. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply further
// overrides first.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GWMC_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Sampler.Seed = n
		}
	}
	if v := os.Getenv("GWMC_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sampler.Threads = n
		}
	}
	if v := os.Getenv("GWMC_RANK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Exchange.Rank = n
		}
	}
	if v := os.Getenv("GWMC_NATS_URL"); v != "" {
		cfg.Exchange.NATSURL = v
	}
	if v := os.Getenv("GWMC_RUN_ID"); v != "" {
		cfg.Exchange.RunID = v
	}
	if v := os.Getenv("GWMC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks that the configuration is usable. Every failure wraps
// ErrInvalidConfig.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	s := c.Sampler
	if s.Walkers < 2 || s.Walkers%2 != 0 {
		return invalid("sampler.walkers must be even and >= 2, got %d", s.Walkers)
	}
	if s.Dim < 1 {
		return invalid("sampler.dim must be >= 1, got %d", s.Dim)
	}
	if !finite(s.ProposalSigma) || s.ProposalSigma < 0 {
		return invalid("sampler.proposal_sigma must be finite and >= 0")
	}
	if len(c.Init.Mean) != 0 && len(c.Init.Mean) != s.Dim {
		return invalid("init.mean has %d coordinates, sampler.dim is %d", len(c.Init.Mean), s.Dim)
	}
	for _, m := range c.Init.Mean {
		if !finite(m) {
			return invalid("init.mean must be finite")
		}
	}
	if !finite(c.Init.Sigma) || c.Init.Sigma < 0 {
		return invalid("init.sigma must be finite and >= 0")
	}

	r := c.Run
	if r.Sweeps < 0 {
		return invalid("run.sweeps must be >= 0")
	}
	switch r.Mode {
	case ModeShared:
	case ModePartitioned:
		if r.PartitionSteps < 1 {
			return invalid("run.partition_steps must be >= 1 in partitioned mode")
		}
	default:
		return invalid("run.mode must be %q or %q, got %q", ModeShared, ModePartitioned, r.Mode)
	}
	if r.TemperEvery < 0 || r.SnapshotEvery < 0 {
		return invalid("run.temper_every and run.snapshot_every must be >= 0")
	}

	if n := len(c.Ladder.Betas); n != 0 && n%2 != 0 {
		return invalid("ladder.betas needs an even number of rungs, got %d", n)
	}
	for _, b := range c.Ladder.Betas {
		if !finite(b) || b < 0 {
			return invalid("ladder.betas must be finite and >= 0")
		}
	}

	x := c.Exchange
	switch x.Transport {
	case TransportMemory:
	case TransportNATS:
		if x.NATSURL == "" {
			return invalid("exchange.nats_url is required for the nats transport")
		}
	default:
		return invalid("exchange.transport must be %q or %q, got %q", TransportMemory, TransportNATS, x.Transport)
	}
	if x.Timeout <= 0 {
		return invalid("exchange.timeout must be > 0")
	}
	if x.MaxPayload < 0 {
		return invalid("exchange.max_payload must be >= 0")
	}
	if x.Transport == TransportNATS && !x.Compress && x.MaxPayload > 0 {
		if n := c.FrameBytes(); n > x.MaxPayload {
			return invalid("exchange frames of %d walkers x %d dims need %d bytes, exchange.max_payload is %d; enable exchange.compress or raise the broker limit",
				s.Walkers, s.Dim, n, x.MaxPayload)
		}
	}
	if n := len(c.Ladder.Betas); n != 0 && (x.Rank < 0 || x.Rank >= n) {
		return invalid("exchange.rank %d is not on a ladder of %d rungs", x.Rank, n)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("%v", err)
	}
	switch logging.Format(c.Logging.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return invalid("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Target.Name == "" {
		return invalid("target.name is required")
	}
	return nil
}

// FrameBytes estimates the size of one uncompressed exchange frame for the
// configured ensemble shape.
func (c Config) FrameBytes() int64 {
	w, d := c.Sampler.Walkers, c.Sampler.Dim
	return int64(core.WalkerBufferSize(w, d)) + int64(core.LogDensityBufferSize(w)) + int64((w+7)/8) + frameOverhead
}

// InitMean returns Init.Mean, or the origin when it is empty.
func (c Config) InitMean() []float64 {
	if len(c.Init.Mean) != 0 {
		return c.Init.Mean
	}
	return make([]float64, c.Sampler.Dim)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
