package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down instance execution
//   - Thread-safe: concurrent instances emit concurrently
//   - Resilient: a failing backend must not crash the engine
//
// Emit must not panic; internal errors should be swallowed or logged by
// the implementation.
type Emitter interface {
	Emit(event Event)
}
