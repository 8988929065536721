// Package gwmc is a parallel ensemble Markov chain Monte Carlo kernel with
// replica exchange.
//
// An ensemble of walkers samples an unnormalized target density. Every sweep
// updates all walkers in parallel with a Metropolis step; ensembles held at
// different inverse temperatures periodically exchange walkers, either in
// one process or across processes connected by a message bus.
//
// # Architecture Overview
//
// The kernel consists of several key components:
//
//   - Ensembles: walkers and cached log-densities in cache-line padded arenas
//   - Random streams: reproducible per-call, per-worker generators
//   - Engine: fork-join Metropolis sweeps, shared or partitioned into clones
//   - Tempering: local, whole-buffer and cross-process replica exchange
//
// # Performance Characteristics
//
//   - No allocation per sweep: proposals use pooled scratch vectors
//   - Every walker slot starts on its own cache line, so workers never
//     write the same line
//   - Acceptance counts are reduced exactly after each parallel region
//
// # Basic Usage
//
//	e := core.MustAllocate(0, 1000, 4)
//	e.Target = model.Gaussian0
//	_ = e.InitializeGaussian([]float64{1, 1, 1, 1}, 1, random.NewStream(1))
//
//	en := runtime.NewEngine(random.NewManager(42))
//	if err := en.Run(ctx, e, 1000); err != nil {
//	    log.Fatal(err)
//	}
//
// # Package Structure
//
//   - core: ensemble store and memory layout
//   - random: seeded stream manager
//   - kernels: float64 vector kernels used by the hot paths
//   - runtime: concurrent update engine
//   - temper: replica exchange, wire codec and transports
//   - model: catalog of target densities
//   - config: YAML run configuration
//   - output: text dump and SQLite trace store
//   - cmd: command-line tools (gwrun, gwnode, gwperf)
package gwmc
