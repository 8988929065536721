package runtime

import "errors"

// Sentinel errors returned by the update engine.
var (
	// ErrLogDensity is returned when the target panics or returns NaN.
	ErrLogDensity = errors.New("log-density evaluation failed")

	// ErrNoLogDensity is returned when an ensemble has no target set.
	ErrNoLogDensity = errors.New("ensemble has no log-density target")

	// ErrInvalidSteps is returned for a non-positive step or sweep count.
	ErrInvalidSteps = errors.New("step count must be positive")
)
