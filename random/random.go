// Package random supplies independent pseudorandom streams to the workers of
// a parallel region.
//
// A Manager holds one base seed and a monotonically increasing call counter.
// Every parallel call (a sweep, a swap, an initialization) begins a Call, and
// worker w of that call draws from Call.Stream(w). The stream seed is a SHA3
// hash of (base seed, call id, worker id), so streams never depend on wall
// clock time and a run seeded with the same value replays bit for bit given
// the same sequence of calls and the same worker count.
//
// Streams are cheap to build and are not shared between goroutines.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"golang.org/x/crypto/sha3"
)

// Manager derives per-call, per-worker streams from a base seed.
// It is safe for concurrent use.
type Manager struct {
	seed  uint64
	calls atomic.Uint64
}

// NewManager returns a Manager whose streams are fully determined by seed.
func NewManager(seed uint64) *Manager {
	return &Manager{seed: seed}
}

// NewEntropyManager returns a Manager seeded from the operating system's
// entropy source.
func NewEntropyManager() (*Manager, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("random: read entropy: %w", err)
	}
	return NewManager(binary.LittleEndian.Uint64(b[:])), nil
}

// Seed returns the base seed.
func (m *Manager) Seed() uint64 { return m.seed }

// Calls returns the number of calls begun so far.
func (m *Manager) Calls() uint64 { return m.calls.Load() }

// Begin opens a new call scope with a fresh id.
func (m *Manager) Begin() Call {
	return Call{seed: m.seed, id: m.calls.Add(1)}
}

// Call identifies one parallel region. Its streams are independent of every
// other call's streams.
type Call struct {
	seed uint64
	id   uint64
}

// ID returns the call id.
func (c Call) ID() uint64 { return c.id }

// Stream returns the stream for the given worker of this call.
func (c Call) Stream(worker int) *Stream {
	s1, s2 := DeriveSeed(c.seed, c.id, uint64(worker))
	return &Stream{r: rand.New(rand.NewPCG(s1, s2))}
}

// DeriveSeed maps (seed, call, worker) to a 128-bit PCG state.
func DeriveSeed(seed, call, worker uint64) (uint64, uint64) {
	var in [24]byte
	binary.LittleEndian.PutUint64(in[0:8], seed)
	binary.LittleEndian.PutUint64(in[8:16], call)
	binary.LittleEndian.PutUint64(in[16:24], worker)
	sum := sha3.Sum256(in[:])
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}

// Stream is a single-goroutine source of uniform and Gaussian variates.
type Stream struct {
	r *rand.Rand
}

// NewStream returns a stream seeded directly. Mostly useful in tests.
func NewStream(seed uint64) *Stream {
	return NewManager(seed).Begin().Stream(0)
}

// Normal returns a draw from N(0, sigma²).
func (s *Stream) Normal(sigma float64) float64 {
	return s.r.NormFloat64() * sigma
}

// Uniform returns a draw from the open interval (0, 1).
func (s *Stream) Uniform() float64 {
	for {
		if u := s.r.Float64(); u > 0 {
			return u
		}
	}
}

// LogUniform returns log(U) with U drawn by Uniform. The result is always < 0.
func (s *Stream) LogUniform() float64 {
	return math.Log(s.Uniform())
}

// Float64 returns a draw from [0, 1).
func (s *Stream) Float64() float64 { return s.r.Float64() }

// Uint64 returns 64 random bits.
func (s *Stream) Uint64() uint64 { return s.r.Uint64() }
