package core

// AlignSize rounds size up to the specified alignment boundary.
// align must be a power of two.
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// AlignCacheLine rounds size up to cache line boundary
func AlignCacheLine(size int) int {
	return AlignSize(size, CacheLineSize)
}

// WalkerStride returns the byte distance between the starts of two adjacent
// walkers of dimension ndim: ndim*8 rounded up to the next cache line.
func WalkerStride(ndim int) int {
	return AlignCacheLine(ndim * Float64Size)
}

// LogDensityStride is the byte distance between two log-density slots.
// Every cached value owns a full line.
const LogDensityStride = CacheLineSize

// Word offsets inside one log-density line.
const (
	lnpValueWord    = 0
	lnpComputedWord = 1
)

// WalkerBufferSize returns the size in bytes of the walker region for the given shape.
func WalkerBufferSize(nwalkers, ndim int) int {
	return WalkerStride(ndim) * nwalkers
}

// LogDensityBufferSize returns the size in bytes of the log-density region.
func LogDensityBufferSize(nwalkers int) int {
	return LogDensityStride * nwalkers
}

// WalkersPerPage reports how many padded walkers of dimension ndim fit in one 4 KiB page.
func WalkersPerPage(ndim int) int {
	const pageSize = 4096
	n := pageSize / WalkerStride(ndim)
	if n < 1 {
		return 1
	}
	return n
}
