// Package model is a catalog of target log-densities addressable by name.
//
// Every density is pure and safe to call from many workers at once. Values
// are natural-log and unnormalized.
package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sbl8/gwmc/core"
)

// ErrUnknownTarget is returned by Lookup for names not in the catalog.
var ErrUnknownTarget = errors.New("unknown target")

// Density is one catalog entry.
type Density struct {
	Name        string
	Description string
	// MinDim is the smallest dimension the density is defined for.
	MinDim int
	Func   core.LogDensityFunc
}

// doubleWellHeight is the barrier between the two modes of DoubleWell at B = 1.
const doubleWellHeight = 4.0

// Gaussian0 is -x0², a unit-variance-over-two Gaussian in the first
// coordinate and flat in the rest.
func Gaussian0(x []float64) float64 {
	return -x[0] * x[0]
}

// Scaling is -0.75·x0², the density timed by the scaling harness.
func Scaling(x []float64) float64 {
	return -0.75 * x[0] * x[0]
}

// Isotropic is -½|x|², a standard normal in every coordinate.
func Isotropic(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return -0.5 * s
}

// DoubleWell has modes at x0 = ±1 separated by a barrier of height 4, and is
// standard normal in the remaining coordinates.
func DoubleWell(x []float64) float64 {
	d := x[0]*x[0] - 1
	lnp := -doubleWellHeight * d * d
	for _, v := range x[1:] {
		lnp -= 0.5 * v * v
	}
	return lnp
}

var catalog = map[string]Density{
	"gaussian0": {
		Name:        "gaussian0",
		Description: "-x0^2; Gaussian in x0 with variance 1/2, flat elsewhere",
		MinDim:      1,
		Func:        Gaussian0,
	},
	"scaling": {
		Name:        "scaling",
		Description: "-0.75 x0^2; used by the scaling harness",
		MinDim:      1,
		Func:        Scaling,
	},
	"isotropic": {
		Name:        "isotropic",
		Description: "-|x|^2/2; standard normal",
		MinDim:      1,
		Func:        Isotropic,
	},
	"doublewell": {
		Name:        "doublewell",
		Description: "bimodal in x0 with modes at +-1; standard normal elsewhere",
		MinDim:      1,
		Func:        DoubleWell,
	},
}

// Lookup returns the density registered under name and checks that it is
// defined in dim dimensions.
func Lookup(name string, dim int) (Density, error) {
	d, ok := catalog[name]
	if !ok {
		return Density{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownTarget, name, Names())
	}
	if dim < d.MinDim {
		return Density{}, fmt.Errorf("%w: %s needs at least %d dimensions, got %d", core.ErrInvalidShape, name, d.MinDim, dim)
	}
	return d, nil
}

// Names lists the catalog in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
