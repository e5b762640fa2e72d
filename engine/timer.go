package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TimerExecutor handles timer nodes: it creates a due-dated task and
// requests suspension. A TimerWorker (or any external scheduler) completes
// the task once the due date passes, resuming the branch.
//
// Node properties:
//
//	delaySeconds — relative delay from now
//	dueAt        — absolute RFC 3339 timestamp; wins over delaySeconds
type TimerExecutor struct {
	now func() time.Time
}

// NewTimerExecutor creates the executor. A nil clock uses time.Now.
func NewTimerExecutor(now func() time.Time) *TimerExecutor {
	if now == nil {
		now = time.Now
	}
	return &TimerExecutor{now: now}
}

// CanExecute implements NodeExecutor.
func (e *TimerExecutor) CanExecute(node NodeDef) bool {
	return node.Type == NodeTimer
}

// Execute implements NodeExecutor.
func (e *TimerExecutor) Execute(_ context.Context, in ExecutionInput) ExecutionResult {
	due := e.now()
	if raw, ok := in.Node.Properties["dueAt"].(string); ok && raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			due = t
		}
	} else if secs := numberProp(in.Node.Properties, "delaySeconds"); secs > 0 {
		due = due.Add(time.Duration(secs * float64(time.Second)))
	}

	task := &WorkflowTask{
		ID:         uuid.NewString(),
		InstanceID: in.Instance.ID,
		NodeID:     in.Node.ID,
		Kind:       TaskKindTimer,
		Status:     TaskCreated,
		Name:       in.Node.ID,
		DueAt:      &due,
		CreatedAt:  e.now(),
	}
	return ExecutionResult{
		Success:     true,
		ShouldWait:  true,
		CreatedTask: task,
		Events: []EventDraft{{
			Type:   EventTask,
			Name:   NameTaskCreated,
			NodeID: in.Node.ID,
			Data:   map[string]any{"taskId": task.ID, "kind": string(TaskKindTimer), "dueAt": due.UTC().Format(time.RFC3339Nano)},
		}},
	}
}
