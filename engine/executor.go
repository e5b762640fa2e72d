package engine

import "context"

// ExecutionInput carries everything a node executor needs for one node
// instantiation.
type ExecutionInput struct {
	// Node is the node being executed.
	Node NodeDef

	// Definition is the graph the node belongs to.
	Definition *WorkflowDefinition

	// Instance is the owning instance. Executors read the context but
	// return mutations via ExecutionResult.UpdatedContext; the Runtime
	// applies them inside the execution cycle.
	Instance *WorkflowInstance

	// ContextJSON is the instance context serialized as a JSON document.
	ContextJSON []byte
}

// ExecutionResult is the outcome of executing one node.
type ExecutionResult struct {
	// Success reports whether the node executed without error. A false
	// value triggers the node's failure policy.
	Success bool

	// ShouldWait requests suspension of this branch: the Runtime
	// persists CreatedTask and stops advancing until an external
	// CompleteTask call resumes from this node.
	ShouldWait bool

	// NextNodeIDs overrides edge-based continuation when set (used by
	// join satisfaction to activate the join's downstream exactly once).
	NextNodeIDs []string

	// UpdatedContext is merged into the instance context (business keys
	// only; engine-private namespaces cannot be clobbered).
	UpdatedContext map[string]any

	// CreatedTask is persisted when ShouldWait is true.
	CreatedTask *WorkflowTask

	// CancelNodeIDs are active nodes to deactivate (join branch
	// cancellation). The Runtime also cancels their open tasks.
	CancelNodeIDs []string

	// ErrorMessage describes the failure when Success is false.
	ErrorMessage string

	// Events are observability facts produced during execution, stamped
	// and persisted by the Runtime.
	Events []EventDraft
}

// NodeExecutor handles one class of node. The Runtime dispatches each
// active node to the first registered executor whose CanExecute predicate
// matches.
type NodeExecutor interface {
	CanExecute(node NodeDef) bool
	Execute(ctx context.Context, in ExecutionInput) ExecutionResult
}

// StartEndExecutor handles start and end nodes. Both are no-op successes;
// the Runtime completes a branch when an end node is reached.
type StartEndExecutor struct{}

// CanExecute implements NodeExecutor.
func (e *StartEndExecutor) CanExecute(node NodeDef) bool {
	return node.Type == NodeStart || node.Type == NodeEnd
}

// Execute implements NodeExecutor.
func (e *StartEndExecutor) Execute(_ context.Context, _ ExecutionInput) ExecutionResult {
	return ExecutionResult{Success: true}
}
