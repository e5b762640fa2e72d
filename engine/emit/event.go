// Package emit provides pluggable observability emitters for the workflow
// engine. Emitters receive lightweight execution events (node entered,
// node completed, instance lifecycle transitions, waits) and forward them
// to logging, tracing, or buffering backends.
//
// These events are operational telemetry. They are distinct from the
// durable WorkflowEvent audit trail persisted by the store: telemetry may
// be sampled, buffered, or dropped; the audit trail may not.
package emit

// Event is one observability event from workflow execution.
type Event struct {
	// InstanceID identifies the workflow instance that emitted the event.
	InstanceID string

	// NodeID identifies the node involved. Empty for instance-level
	// events (started, completed, failed).
	NodeID string

	// Msg is a short machine-friendly event name, e.g. "node_completed",
	// "instance_started", "branch_waiting".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": node execution duration
	//   - "error": failure details
	//   - "status": instance status after a transition
	//   - "task_id": task bound to a waiting branch
	Meta map[string]any
}
