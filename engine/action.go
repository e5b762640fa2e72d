package engine

import (
	"context"
	"fmt"
)

// FailurePolicy governs what happens to an instance when an automatic
// action fails (missing action kind, executor error).
type FailurePolicy string

// Failure policies.
const (
	// FailInstance marks the instance Failed and halts the branch.
	// This is the default.
	FailInstance FailurePolicy = "failInstance"

	// Suspend pauses the instance (Status Suspended) with the error
	// message retained; the branch can be resumed externally. A
	// recoverable pause, not a fatal failure.
	Suspend FailurePolicy = "suspend"

	// Proceed converts the failure into a successful no-op continuation.
	// The failure is still recorded for observability, but no Failed
	// event is emitted and the branch advances.
	Proceed FailurePolicy = "proceed"
)

// failurePolicyOf reads a node's onFailure property, defaulting to
// FailInstance for missing or unrecognized values.
func failurePolicyOf(node NodeDef) FailurePolicy {
	raw, _ := node.Properties["onFailure"].(string)
	switch FailurePolicy(raw) {
	case Suspend:
		return Suspend
	case Proceed:
		return Proceed
	default:
		return FailInstance
	}
}

// ActionInput carries the context for one automatic-action execution.
type ActionInput struct {
	Node        NodeDef
	Instance    *WorkflowInstance
	Config      map[string]any
	ContextJSON []byte
}

// ActionResult is the successful outcome of an automatic action. Output,
// if non-nil, is merged into the instance context.
type ActionResult struct {
	Output map[string]any
}

// ActionExecutor performs one kind of automatic action. Implementations
// are registered in an ActionRegistry keyed by kind and resolved once at
// startup; an unknown kind is a typed "not found", not a runtime probe.
type ActionExecutor interface {
	Kind() string
	Execute(ctx context.Context, in ActionInput) (ActionResult, error)
}

// ActionRegistry maps action kinds to their executors.
type ActionRegistry struct {
	executors map[string]ActionExecutor
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{executors: make(map[string]ActionExecutor)}
}

// Register adds an executor. Registering a kind twice is an error.
func (r *ActionRegistry) Register(exec ActionExecutor) error {
	if exec == nil {
		return fmt.Errorf("action executor cannot be nil")
	}
	if _, exists := r.executors[exec.Kind()]; exists {
		return fmt.Errorf("action kind %q already registered", exec.Kind())
	}
	r.executors[exec.Kind()] = exec
	return nil
}

// Resolve returns the executor for a kind, or false if none is registered.
func (r *ActionRegistry) Resolve(kind string) (ActionExecutor, bool) {
	exec, ok := r.executors[kind]
	return exec, ok
}

// NoopAction is the built-in "noop" action: it succeeds without side
// effects. Useful as a placeholder while authoring and in tests.
type NoopAction struct{}

// Kind implements ActionExecutor.
func (a *NoopAction) Kind() string { return "noop" }

// Execute implements ActionExecutor.
func (a *NoopAction) Execute(_ context.Context, _ ActionInput) (ActionResult, error) {
	return ActionResult{}, nil
}

// AutomaticExecutor handles automatic nodes by delegating to the action
// registry. The node's "action" property declares {"kind": ..., plus
// kind-specific configuration}.
//
// A missing or unregistered action kind and an executor error are both
// failures subject to the node's onFailure policy, applied by the Runtime.
type AutomaticExecutor struct {
	actions *ActionRegistry
}

// NewAutomaticExecutor creates the executor backed by the given registry.
func NewAutomaticExecutor(actions *ActionRegistry) *AutomaticExecutor {
	return &AutomaticExecutor{actions: actions}
}

// CanExecute implements NodeExecutor.
func (e *AutomaticExecutor) CanExecute(node NodeDef) bool {
	return node.Type == NodeAutomatic
}

// Execute implements NodeExecutor.
func (e *AutomaticExecutor) Execute(ctx context.Context, in ExecutionInput) ExecutionResult {
	action, _ := in.Node.Properties["action"].(map[string]any)
	kind, _ := action["kind"].(string)
	if kind == "" {
		kind = "noop"
	}

	exec, ok := e.actions.Resolve(kind)
	if !ok {
		return ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("no action executor registered for kind %q", kind),
			Events: []EventDraft{{
				Type:   EventAutomatic,
				Name:   NameActionExecutorMissing,
				NodeID: in.Node.ID,
				Data:   map[string]any{"kind": kind},
			}},
		}
	}

	result, err := exec.Execute(ctx, ActionInput{
		Node:        in.Node,
		Instance:    in.Instance,
		Config:      action,
		ContextJSON: in.ContextJSON,
	})
	if err != nil {
		return ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("action %q failed: %v", kind, err),
			Events: []EventDraft{{
				Type:   EventAutomatic,
				Name:   NameActionFailed,
				NodeID: in.Node.ID,
				Data:   map[string]any{"kind": kind, "error": err.Error()},
			}},
		}
	}

	return ExecutionResult{
		Success:        true,
		UpdatedContext: result.Output,
		Events: []EventDraft{{
			Type:   EventAutomatic,
			Name:   NameActionExecuted,
			NodeID: in.Node.ID,
			Data:   map[string]any{"kind": kind},
		}},
	}
}
