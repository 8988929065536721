// Package app wires a run configuration into the sampler, the exchange
// layer and the output sinks. The commands under cmd/ are thin shells
// around it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sbl8/gwmc/config"
	"github.com/sbl8/gwmc/core"
	"github.com/sbl8/gwmc/internal/logging"
	"github.com/sbl8/gwmc/internal/metrics"
	"github.com/sbl8/gwmc/model"
	"github.com/sbl8/gwmc/output"
	"github.com/sbl8/gwmc/random"
	"github.com/sbl8/gwmc/runtime"
	"github.com/sbl8/gwmc/temper"
)

// Env carries the ambient services shared by a run.
type Env struct {
	Logger  logging.Logger
	Metrics metrics.Collector
	// Store is optional; nil skips snapshot and swap recording.
	Store *output.SQLiteStore
}

func (env Env) withDefaults() Env {
	if env.Logger == nil {
		env.Logger = logging.NewNop()
	}
	if env.Metrics == nil {
		env.Metrics = metrics.NewNop()
	}
	return env
}

// NewLogger builds the slog-backed logger described by cfg.
func NewLogger(cfg config.LoggingConfig, w io.Writer) (logging.Logger, error) {
	l, err := logging.New(logging.Config{Level: cfg.Level, Format: logging.Format(cfg.Format), Writer: w})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// NewRandom returns a manager for seed, or an entropy-seeded one for 0.
func NewRandom(seed uint64) (*random.Manager, error) {
	if seed == 0 {
		return random.NewEntropyManager()
	}
	return random.NewManager(seed), nil
}

// NewEngine builds an update engine bound to env.
func NewEngine(rng *random.Manager, env Env) *runtime.Engine {
	env = env.withDefaults()
	return runtime.NewEngine(rng, runtime.WithLogger(env.Logger), runtime.WithMetrics(env.Metrics))
}

// NewEnsemble allocates the configured ensemble, binds the target density
// and scatters the walkers around the initial mean.
func NewEnsemble(cfg config.Config, rng *random.Manager) (*core.Ensemble, error) {
	s := cfg.Sampler
	density, err := model.Lookup(cfg.Target.Name, s.Dim)
	if err != nil {
		return nil, err
	}
	e, err := core.Allocate(s.Threads, s.Walkers, s.Dim)
	if err != nil {
		return nil, err
	}
	e.Target = density.Func
	e.ProposalSigma = s.ProposalSigma
	e.Stretch = s.Stretch
	if err := e.InitializeGaussian(cfg.InitMean(), cfg.Init.Sigma, rng.Begin().Stream(0)); err != nil {
		e.Free()
		return nil, fmt.Errorf("initialize walkers: %w", err)
	}
	return e, nil
}

// NewLadder returns the configured ladder, or nil for a single ensemble.
func NewLadder(cfg config.Config) (*temper.Ladder, error) {
	if len(cfg.Ladder.Betas) == 0 {
		return nil, nil
	}
	return temper.NewLadder(cfg.Ladder.Betas)
}

// NewMetrics returns a Prometheus collector on a fresh registry when an
// address is configured, and a no-op collector otherwise.
func NewMetrics(cfg config.MetricsConfig) (metrics.Collector, *prometheus.Registry) {
	if cfg.Addr == "" {
		return metrics.NewNop(), nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewPrometheus(reg, cfg.Namespace), reg
}

// ServeMetrics serves reg on addr under /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// OpenEnv builds the logger, metrics collector and store described by cfg.
// When a metrics address is set the endpoint is served until ctx is done.
// The returned function closes the store.
func OpenEnv(ctx context.Context, cfg config.Config, logOut io.Writer) (Env, func(), error) {
	logger, err := NewLogger(cfg.Logging, logOut)
	if err != nil {
		return Env{}, nil, err
	}
	collector, reg := NewMetrics(cfg.Metrics)
	if reg != nil {
		go func() {
			if err := ServeMetrics(ctx, cfg.Metrics.Addr, reg, logger); err != nil {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	env := Env{Logger: logger, Metrics: collector}
	closeFn := func() {}
	if cfg.Output.SQLite != "" {
		store, err := output.OpenSQLite(cfg.Output.SQLite)
		if err != nil {
			return Env{}, nil, err
		}
		env.Store = store
		closeFn = func() {
			if err := store.Close(); err != nil {
				logger.Warn("close store", "path", cfg.Output.SQLite, "error", err)
			}
		}
	}
	return env, closeFn, nil
}
