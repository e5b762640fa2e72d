package engine

import "errors"

// ErrNotFound is returned when a requested definition, instance, or task
// does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrInvalidDefinition indicates a workflow definition failed validation at
// publish time (duplicate IDs, dangling edges, malformed gateway strategy).
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// ErrInstanceNotRunning indicates an operation that requires a Running
// instance was attempted against a terminal or suspended instance.
var ErrInstanceNotRunning = errors.New("instance is not running")

// ErrInstanceNotFailed indicates a retry was attempted on an instance that
// is not in the Failed state.
var ErrInstanceNotFailed = errors.New("instance is not failed")

// EngineError represents a structured error from engine operations.
//
// Code is a machine-readable identifier for programmatic handling
// (e.g. "NODE_NOT_FOUND", "NO_EXECUTOR", "STORE_ERROR").
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *EngineError) Unwrap() error {
	return e.Cause
}
