package temper

import "errors"

// Sentinel errors for replica exchange.
var (
	// ErrPeerTimeout is returned when the partner does not answer within the
	// exchange timeout.
	ErrPeerTimeout = errors.New("exchange peer timed out")

	// ErrPeerFailure is returned when the partner reports that it could not
	// take part in the exchange.
	ErrPeerFailure = errors.New("exchange peer failed")

	// ErrFrameCorrupt is returned for frames that fail validation.
	ErrFrameCorrupt = errors.New("corrupt exchange frame")

	// ErrLadder is returned for an invalid temperature ladder or rank.
	ErrLadder = errors.New("invalid temperature ladder")

	// ErrFrameTooLarge is returned when an encoded frame exceeds the
	// transport's payload limit.
	ErrFrameTooLarge = errors.New("exchange frame exceeds transport payload limit")

	// ErrTransportClosed is returned by a transport after Close.
	ErrTransportClosed = errors.New("transport closed")
)
