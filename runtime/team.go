package runtime

import (
	"context"
	goruntime "runtime"

	"golang.org/x/sync/errgroup"

	"github.com/sbl8/gwmc/core"
)

// TeamSize returns the number of workers used for n walkers when the caller
// asked for threads workers. Zero or negative means GOMAXPROCS. The team is
// never larger than n, so every worker owns at least one walker.
func TeamSize(threads, n int) int {
	if threads <= 0 {
		threads = goruntime.GOMAXPROCS(0)
	}
	if threads > n {
		threads = n
	}
	if threads < 1 {
		threads = 1
	}
	return threads
}

// Partition returns the half-open index range [lo, hi) owned by worker w of
// a team of workers over n items. Ranges are contiguous, disjoint and cover
// [0, n); sizes differ by at most one.
func Partition(n, workers, w int) (lo, hi int) {
	size, rem := n/workers, n%workers
	lo = w*size + min(w, rem)
	hi = lo + size
	if w < rem {
		hi++
	}
	return lo, hi
}

// ForkJoin runs fn once per worker on its own goroutine and waits for all of
// them. The first error cancels the context passed to the others and is
// returned after every worker has finished.
func ForkJoin(ctx context.Context, workers int, fn func(ctx context.Context, w int) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return fn(gCtx, w)
		})
	}
	return g.Wait()
}

// paddedCount keeps one worker's counter on its own cache line.
type paddedCount struct {
	n int64
	_ [core.CacheLineSize - 8]byte
}

// Tally holds one private counter per worker. Workers write only their own
// slot; Sum is called after the join.
type Tally struct {
	slots []paddedCount
}

// NewTally returns a zeroed tally for workers workers.
func NewTally(workers int) *Tally {
	return &Tally{slots: make([]paddedCount, workers)}
}

// Add adds d to worker w's counter.
func (t *Tally) Add(w int, d int64) {
	t.slots[w].n += d
}

// Get returns worker w's counter.
func (t *Tally) Get(w int) int64 {
	return t.slots[w].n
}

// Sum returns the total over all workers.
func (t *Tally) Sum() int64 {
	var s int64
	for i := range t.slots {
		s += t.slots[i].n
	}
	return s
}
