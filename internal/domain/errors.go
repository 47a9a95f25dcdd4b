package domain

import "errors"

// Transport layer.
var (
	ErrTransportStart    = errors.New("tool server failed to start")
	ErrTransportProtocol = errors.New("tool server protocol error")
	ErrTransportIO       = errors.New("tool server unreachable")
)

// Registry and dispatch layer.
var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrToolExecution = errors.New("tool execution failed")
)

// Reasoning loop layer.
var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrTurnTimeout      = errors.New("turn timed out")
	ErrIterationLimit   = errors.New("iteration limit exceeded")
)
