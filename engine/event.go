package engine

import "time"

// EventType groups workflow events by the aspect of execution they record.
type EventType string

// Event types.
const (
	EventInstance  EventType = "Instance"
	EventNode      EventType = "Node"
	EventEdge      EventType = "Edge"
	EventGateway   EventType = "Gateway"
	EventParallel  EventType = "Parallel"
	EventAutomatic EventType = "Automatic"
	EventTask      EventType = "Task"
)

// Event names, grouped by type. Names are stable identifiers consumed by
// the audit trail and by tests; the (Type, Name) pair identifies one kind
// of fact.
const (
	// Instance lifecycle.
	NameInstanceStarted   = "Started"
	NameInstanceCompleted = "Completed"
	NameInstanceFailed    = "Failed"
	NameInstanceCancelled = "Cancelled"
	NameInstanceSuspended = "Suspended"
	NameInstanceRetried   = "Retried"
	NameInstanceResumed   = "Resumed"
	NameInstanceProgress  = "Progress"

	// Node execution.
	NameNodeEntered   = "Entered"
	NameNodeCompleted = "Completed"
	NameNodeFailed    = "Failed"

	// Edge traversal.
	NameEdgeTaken = "Taken"

	// Gateway evaluation.
	NameGatewayEvaluated      = "Evaluated"
	NameGatewayOverrideSet    = "OverrideSet"
	NameExperimentAssigned    = "ExperimentAssigned"
	NameGatewayDecisionPruned = "GatewayDecisionPruned"
	NameFeatureFlagFallback   = "FeatureFlagFallback"

	// Parallel join coordination.
	NameParallelJoinSatisfied       = "ParallelJoinSatisfied"
	NameParallelJoinBranchCancelled = "ParallelJoinBranchCancelled"
	NameParallelJoinTimeout         = "ParallelJoinTimeout"

	// Automatic actions.
	NameActionExecuted        = "ActionExecuted"
	NameActionFailed          = "ActionFailed"
	NameActionExecutorMissing = "ActionExecutorMissing"

	// Tasks.
	NameTaskCreated   = "Created"
	NameTaskCompleted = "Completed"
	NameTaskCancelled = "Cancelled"
)

// WorkflowEvent is one append-only fact in an instance's audit trail.
// Events are never mutated or deleted; together they form the replayable
// history of an execution.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instanceId"`
	Type       EventType      `json:"type"`
	Name       string         `json:"name"`
	NodeID     string         `json:"nodeId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Outbox message names published for external consumers. One outbox row is
// written per instance/task lifecycle transition, in the same transaction
// as the triggering event.
const (
	OutboxInstanceStarted   = "workflow.instance.started"
	OutboxInstanceCompleted = "workflow.instance.completed"
	OutboxInstanceFailed    = "workflow.instance.failed"
	OutboxInstanceCancelled = "workflow.instance.cancelled"
	OutboxTaskCreated       = "workflow.task.created"
	OutboxTaskCompleted     = "workflow.task.completed"
)

// OutboxMessage is a durable record of an externally relevant event
// awaiting at-least-once relay (transactional outbox pattern).
type OutboxMessage struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	Name         string         `json:"name"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	DispatchedAt *time.Time     `json:"dispatchedAt,omitempty"`
}
