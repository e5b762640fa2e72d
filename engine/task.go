package engine

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a workflow task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskCreated    TaskStatus = "Created"
	TaskAssigned   TaskStatus = "Assigned"
	TaskClaimed    TaskStatus = "Claimed"
	TaskInProgress TaskStatus = "InProgress"
	TaskCompleted  TaskStatus = "Completed"
	TaskCancelled  TaskStatus = "Cancelled"
)

// Open reports whether the task can still be completed or cancelled.
func (s TaskStatus) Open() bool {
	return s != TaskCompleted && s != TaskCancelled
}

// TaskKind identifies what a pending task represents.
type TaskKind string

// Task kinds.
const (
	TaskKindHuman       TaskKind = "human"
	TaskKindTimer       TaskKind = "timer"
	TaskKindJoinTimeout TaskKind = "joinTimeout"
)

// WorkflowTask is a pending unit of work bound to one node instantiation:
// a human task awaiting completion, a timer awaiting its due date, or a
// join-timeout deadline awaiting escalation.
//
// A task transitions to Completed or Cancelled exactly once; completing an
// already-terminal task is an idempotent no-op at the Runtime level.
type WorkflowTask struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instanceId"`
	NodeID      string         `json:"nodeId"`
	Kind        TaskKind       `json:"kind"`
	Status      TaskStatus     `json:"status"`
	Name        string         `json:"name,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	DueAt       *time.Time     `json:"dueAt,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CompletedBy string         `json:"completedBy,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// taskTransitions enumerates the legal forward transitions for open tasks.
// Completed and Cancelled are absorbing.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskCreated:    {TaskAssigned, TaskClaimed, TaskInProgress, TaskCompleted, TaskCancelled},
	TaskAssigned:   {TaskClaimed, TaskInProgress, TaskCompleted, TaskCancelled},
	TaskClaimed:    {TaskInProgress, TaskCompleted, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskCancelled},
}

// CanTransition reports whether a task may move from its current status to
// the target status.
func (t *WorkflowTask) CanTransition(to TaskStatus) bool {
	for _, allowed := range taskTransitions[t.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the task to the target status, validating the move.
func (t *WorkflowTask) Transition(to TaskStatus) error {
	if !t.CanTransition(to) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}
