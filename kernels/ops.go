// Package kernels provides the float64 vector operations used on the sampler's
// hot paths.
//
// All kernels operate in place on caller-owned slices and never allocate.
// They are written as plain loops the compiler can bounds-check-eliminate;
// slices passed in are expected to be walker views of identical length.
//
// Available operations:
//   - Movement: Copy, Swap (through a scratch vector)
//   - Proposals: Propose (x + sigma*N(0,1) per coordinate)
//   - Aggregations: Accumulate, Scale, MeanVar
package kernels

import "math"

// NormalSource draws standard-deviation-scaled Gaussian variates.
type NormalSource interface {
	Normal(sigma float64) float64
}

// Copy copies src into dst. Both must have the same length.
func Copy(dst, src []float64) {
	if len(src) == 0 {
		return
	}
	_ = dst[len(src)-1]
	for i := range src {
		dst[i] = src[i]
	}
}

// Swap exchanges the contents of a and b through scratch, which must be at
// least as long as a.
func Swap(a, b, scratch []float64) {
	n := len(a)
	if n == 0 {
		return
	}
	_ = b[n-1]
	tmp := scratch[:n]
	copy(tmp, a)
	copy(a, b)
	copy(b, tmp)
}

// Propose writes dst[j] = src[j] + N(0, sigma²) for every coordinate, drawing
// the coordinates in index order.
func Propose(dst, src []float64, sigma float64, noise NormalSource) {
	if len(src) == 0 {
		return
	}
	_ = dst[len(src)-1]
	for j := range src {
		dst[j] = noise.Normal(sigma) + src[j]
	}
}

// Accumulate adds x into acc element-wise.
func Accumulate(acc, x []float64) {
	if len(x) == 0 {
		return
	}
	_ = acc[len(x)-1]
	for i := range x {
		acc[i] += x[i]
	}
}

// Scale multiplies every element of x by a.
func Scale(x []float64, a float64) {
	for i := range x {
		x[i] *= a
	}
}

// MeanVar returns the mean and the population variance of values.
// Empty input yields NaN for both.
func MeanVar(values []float64) (mean, variance float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	// Welford's update keeps the variance stable for large populations.
	var m, s float64
	for i, v := range values {
		d := v - m
		m += d / float64(i+1)
		s += d * (v - m)
	}
	return m, s / float64(len(values))
}

// AllFinite reports whether x contains no NaN or infinite values.
func AllFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
