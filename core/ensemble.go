// Package core provides the ensemble store of the sampler.
//
// An Ensemble owns two fixed-slot arenas. The walker arena holds nwalkers
// position vectors of ndim float64 coordinates, each padded to a whole number
// of cache lines. The log-density arena holds one cache line per walker with
// the cached value in its first word and a "computed" marker in its second.
// Because every slot starts on its own line, workers that update neighbouring
// walkers never contend for the same line.
//
// Capacity (nwalkers, ndim) is fixed at allocation. Buffers are mutated in
// place by the update engine and the exchange protocol, copied wholesale or
// by index range into an ensemble of identical layout, or traded between two
// ensembles with SwapBuffers.
package core

import (
	"fmt"
	"sync/atomic"

	"github.com/sbl8/gwmc/kernels"
	"github.com/sbl8/gwmc/random"
)

// LogDensityFunc maps a walker position to its natural-log, unnormalized
// target density. It is called concurrently from many workers and must be
// pure: no shared mutable state, and the position slice must not be retained
// or modified.
type LogDensityFunc func(position []float64) float64

// Default tunables applied by Allocate.
const (
	DefaultStretch            = 2.0
	DefaultInverseTemperature = 1.0
	DefaultProposalSigma      = 1.0
)

// Ensemble is a population of walkers plus their cached log-densities and
// sampling parameters.
type Ensemble struct {
	// Threads is the size of the worker team used by parallel operations.
	// Zero or negative means GOMAXPROCS.
	Threads int
	// Nodes is the number of processes sharing the temperature ladder.
	Nodes int

	// Stretch is the affine-invariant stretch parameter a. Unused by the
	// Metropolis update, kept for the stretch move.
	Stretch float64
	// InverseTemperature is B; acceptance is evaluated on B times the log ratio.
	InverseTemperature float64
	// ProposalSigma is the per-coordinate standard deviation of proposals.
	ProposalSigma float64

	// Target is the log-density being sampled. It must be set before sampling.
	Target LogDensityFunc

	ndim     int
	nwalkers int

	walkers *SlotArena
	lnp     *SlotArena

	accepted atomic.Int64
}

// Allocate creates an ensemble of nwalkers walkers in ndim dimensions with
// default parameters and every log-density slot marked uncomputed.
func Allocate(threads, nwalkers, ndim int) (*Ensemble, error) {
	if ndim <= 0 || nwalkers <= 0 {
		return nil, fmt.Errorf("%w: nwalkers=%d ndim=%d", ErrInvalidShape, nwalkers, ndim)
	}
	if nwalkers%2 != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrOddWalkers, nwalkers)
	}

	walkers, err := NewSlotArena(nwalkers, ndim, WalkerStride(ndim))
	if err != nil {
		return nil, fmt.Errorf("allocate walkers: %w", err)
	}
	lnp, err := NewSlotArena(nwalkers, 2, LogDensityStride)
	if err != nil {
		return nil, fmt.Errorf("allocate log-density cache: %w", err)
	}

	return &Ensemble{
		Threads:            threads,
		Nodes:              1,
		Stretch:            DefaultStretch,
		InverseTemperature: DefaultInverseTemperature,
		ProposalSigma:      DefaultProposalSigma,
		ndim:               ndim,
		nwalkers:           nwalkers,
		walkers:            walkers,
		lnp:                lnp,
	}, nil
}

// MustAllocate is Allocate for callers that treat allocation failure as fatal.
func MustAllocate(threads, nwalkers, ndim int) *Ensemble {
	e, err := Allocate(threads, nwalkers, ndim)
	if err != nil {
		panic("core: " + err.Error())
	}
	return e
}

// NDim returns the dimensionality of a walker.
func (e *Ensemble) NDim() int { return e.ndim }

// NWalkers returns the number of walkers.
func (e *Ensemble) NWalkers() int { return e.nwalkers }

// Walker returns the position of walker i as a view into the walker arena.
// Writes through the view update the ensemble. Valid for 0 <= i < NWalkers.
func (e *Ensemble) Walker(i int) []float64 {
	return e.walkers.Slot(i)
}

// LogDensity returns the cached log-density of walker i and whether it has
// been computed since allocation or since the walker last changed.
func (e *Ensemble) LogDensity(i int) (float64, bool) {
	line := e.lnp.Slot(i)
	return line[lnpValueWord], line[lnpComputedWord] != 0
}

// SetLogDensity stores v as the cached log-density of walker i.
func (e *Ensemble) SetLogDensity(i int, v float64) {
	line := e.lnp.Slot(i)
	line[lnpValueWord] = v
	line[lnpComputedWord] = 1
}

// InvalidateLogDensity marks walker i's cached log-density as uncomputed.
func (e *Ensemble) InvalidateLogDensity(i int) {
	line := e.lnp.Slot(i)
	line[lnpValueWord] = 0
	line[lnpComputedWord] = 0
}

// InvalidateAll marks every cached log-density as uncomputed.
func (e *Ensemble) InvalidateAll() {
	e.lnp.Zero()
}

// SwapWalker exchanges position and cached log-density of slot i between e
// and other, using scratch (at least NDim long) for the position.
func (e *Ensemble) SwapWalker(other *Ensemble, i int, scratch []float64) {
	kernels.Swap(e.walkers.Slot(i), other.walkers.Slot(i), scratch)
	la, lb := e.lnp.Slot(i), other.lnp.Slot(i)
	la[lnpValueWord], lb[lnpValueWord] = lb[lnpValueWord], la[lnpValueWord]
	la[lnpComputedWord], lb[lnpComputedWord] = lb[lnpComputedWord], la[lnpComputedWord]
}

// TakeWalker overwrites slot i of e with slot i of src, cached log-density
// included.
func (e *Ensemble) TakeWalker(src *Ensemble, i int) {
	kernels.Copy(e.walkers.Slot(i), src.walkers.Slot(i))
	kernels.Copy(e.lnp.Slot(i), src.lnp.Slot(i))
}

// AcceptCount returns the number of accepted proposals recorded so far.
func (e *Ensemble) AcceptCount() int64 { return e.accepted.Load() }

// AddAccepted adds n to the accept counter.
func (e *Ensemble) AddAccepted(n int64) { e.accepted.Add(n) }

// ResetAcceptCount zeroes the accept counter.
func (e *Ensemble) ResetAcceptCount() { e.accepted.Store(0) }

// Free releases both buffers. The ensemble must not be used afterwards.
func (e *Ensemble) Free() {
	e.walkers = nil
	e.lnp = nil
}

// Freed reports whether Free has been called.
func (e *Ensemble) Freed() bool {
	return e.walkers == nil || e.lnp == nil
}

// SameLayout reports whether e and other have identical capacity and layout.
func (e *Ensemble) SameLayout(other *Ensemble) bool {
	if e.Freed() || other.Freed() {
		return false
	}
	return e.walkers.SameLayout(other.walkers) && e.lnp.SameLayout(other.lnp)
}

func (e *Ensemble) checkPair(dst *Ensemble) error {
	if e.Freed() || dst.Freed() {
		return ErrFreed
	}
	if !e.SameLayout(dst) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrLayoutMismatch, e.nwalkers, e.ndim, dst.nwalkers, dst.ndim)
	}
	return nil
}

// CopyAll copies both buffers of e into dst byte for byte.
func (e *Ensemble) CopyAll(dst *Ensemble) error {
	if err := e.checkPair(dst); err != nil {
		return err
	}
	kernels.AlignedCopy(dst.walkers.Bytes(), e.walkers.Bytes())
	kernels.AlignedCopy(dst.lnp.Bytes(), e.lnp.Bytes())
	return nil
}

// CopyRange copies walkers [i0, i1) and their log-density slots into dst.
// Slots outside the range are not touched.
func (e *Ensemble) CopyRange(dst *Ensemble, i0, i1 int) error {
	if err := e.checkPair(dst); err != nil {
		return err
	}
	if i0 < 0 || i1 > e.nwalkers || i0 > i1 {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrIndexRange, i0, i1, e.nwalkers)
	}
	kernels.AlignedCopy(dst.walkers.Range(i0, i1), e.walkers.Range(i0, i1))
	kernels.AlignedCopy(dst.lnp.Range(i0, i1), e.lnp.Range(i0, i1))
	return nil
}

// Clone returns a new ensemble with the same capacity, parameters, target
// and buffer contents as e. The accept counter starts at zero.
func (e *Ensemble) Clone() (*Ensemble, error) {
	if e.Freed() {
		return nil, ErrFreed
	}
	c, err := Allocate(e.Threads, e.nwalkers, e.ndim)
	if err != nil {
		return nil, err
	}
	c.Nodes = e.Nodes
	c.Stretch = e.Stretch
	c.InverseTemperature = e.InverseTemperature
	c.ProposalSigma = e.ProposalSigma
	c.Target = e.Target
	if err := e.CopyAll(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SwapBuffers trades ownership of the walker and log-density buffers of a
// and b. Parameters and accept counters stay with their ensembles.
func SwapBuffers(a, b *Ensemble) error {
	if err := a.checkPair(b); err != nil {
		return err
	}
	a.walkers, b.walkers = b.walkers, a.walkers
	a.lnp, b.lnp = b.lnp, a.lnp
	return nil
}

// InitializeGaussian places every walker at mean + N(0, sigma²) per
// coordinate, drawing from src, and invalidates the log-density cache.
// With sigma == 0 every walker equals mean exactly.
func (e *Ensemble) InitializeGaussian(mean []float64, sigma float64, src *random.Stream) error {
	if e.Freed() {
		return ErrFreed
	}
	if len(mean) != e.ndim {
		return fmt.Errorf("%w: mean has %d coordinates, ensemble has %d", ErrInvalidShape, len(mean), e.ndim)
	}
	if sigma < 0 || !kernels.AllFinite(mean) {
		return fmt.Errorf("%w: sigma=%v", ErrInvalidShape, sigma)
	}
	for i := 0; i < e.nwalkers; i++ {
		kernels.Propose(e.walkers.Slot(i), mean, sigma, src)
	}
	e.InvalidateAll()
	return nil
}

// Mean returns the population mean of every coordinate.
func (e *Ensemble) Mean() []float64 {
	acc := make([]float64, e.ndim)
	for i := 0; i < e.nwalkers; i++ {
		kernels.Accumulate(acc, e.walkers.Slot(i))
	}
	kernels.Scale(acc, 1/float64(e.nwalkers))
	return acc
}

// Coordinate collects coordinate j of every walker in index order.
func (e *Ensemble) Coordinate(j int) []float64 {
	out := make([]float64, e.nwalkers)
	for i := range out {
		out[i] = e.walkers.Slot(i)[j]
	}
	return out
}

// Buffers exposes the raw walker and log-density buffers for transports that
// ship whole ensembles. Callers must not retain them past the next mutation.
func (e *Ensemble) Buffers() (walkers, lnp []byte) {
	return e.walkers.Bytes(), e.lnp.Bytes()
}

// LoadBuffers overwrites both buffers from raw bytes produced by Buffers on an
// ensemble of identical layout.
func (e *Ensemble) LoadBuffers(walkers, lnp []byte) error {
	if e.Freed() {
		return ErrFreed
	}
	if len(walkers) != len(e.walkers.Bytes()) || len(lnp) != len(e.lnp.Bytes()) {
		return fmt.Errorf("%w: got %d/%d bytes, want %d/%d", ErrLayoutMismatch,
			len(walkers), len(lnp), len(e.walkers.Bytes()), len(e.lnp.Bytes()))
	}
	kernels.AlignedCopy(e.walkers.Bytes(), walkers)
	kernels.AlignedCopy(e.lnp.Bytes(), lnp)
	return nil
}
