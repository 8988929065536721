package core

import "errors"

// Sentinel errors returned by ensemble allocation and copy operations.
var (
	// ErrInvalidShape is returned when ndim, nwalkers or a vector length is unusable.
	ErrInvalidShape = errors.New("invalid ensemble shape")

	// ErrOddWalkers is returned when nwalkers is not even.
	ErrOddWalkers = errors.New("nwalkers must be even")

	// ErrMisaligned is returned when a buffer cannot be placed on cache line boundaries.
	ErrMisaligned = errors.New("buffer not cache line aligned")

	// ErrLayoutMismatch is returned when two ensembles do not share capacity and layout.
	ErrLayoutMismatch = errors.New("ensemble layouts differ")

	// ErrIndexRange is returned for walker index ranges outside [0, nwalkers].
	ErrIndexRange = errors.New("walker index out of range")

	// ErrFreed is returned when an operation touches a freed ensemble.
	ErrFreed = errors.New("ensemble has been freed")
)
