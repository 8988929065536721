package config

import "errors"

// ErrInvalidConfig is returned by Validate and Load for configurations that
// cannot drive a run.
var ErrInvalidConfig = errors.New("invalid config")
