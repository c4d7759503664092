package engine

import "errors"

// Sentinel errors checked with errors.Is().
var (
	// ErrAgentNotFound indicates the agent id has no configuration row.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrCycleDetected indicates the target agent is already executing in
	// this turn's call chain.
	ErrCycleDetected = errors.New("agent cycle detected")

	// ErrDepthExceeded indicates the delegation chain would exceed the
	// configured maximum depth.
	ErrDepthExceeded = errors.New("agent depth exceeded")

	// ErrStreamClosed indicates a send was attempted after the terminal
	// event.
	ErrStreamClosed = errors.New("stream closed")
)
