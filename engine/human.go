package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// HumanTaskExecutor handles humanTask nodes: it creates a WorkflowTask and
// requests suspension of the branch. Execution resumes when the task is
// completed via Runtime.CompleteTask.
//
// Node properties:
//
//	name     — task display name (defaults to the node ID)
//	assignee — optional initial assignee; when set the task is created
//	           in the Assigned state
type HumanTaskExecutor struct {
	now func() time.Time
}

// NewHumanTaskExecutor creates the executor. A nil clock uses time.Now.
func NewHumanTaskExecutor(now func() time.Time) *HumanTaskExecutor {
	if now == nil {
		now = time.Now
	}
	return &HumanTaskExecutor{now: now}
}

// CanExecute implements NodeExecutor.
func (e *HumanTaskExecutor) CanExecute(node NodeDef) bool {
	return node.Type == NodeHumanTask
}

// Execute implements NodeExecutor.
func (e *HumanTaskExecutor) Execute(_ context.Context, in ExecutionInput) ExecutionResult {
	name, _ := in.Node.Properties["name"].(string)
	if name == "" {
		name = in.Node.ID
	}
	assignee, _ := in.Node.Properties["assignee"].(string)
	status := TaskCreated
	if assignee != "" {
		status = TaskAssigned
	}

	task := &WorkflowTask{
		ID:         uuid.NewString(),
		InstanceID: in.Instance.ID,
		NodeID:     in.Node.ID,
		Kind:       TaskKindHuman,
		Status:     status,
		Name:       name,
		Assignee:   assignee,
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
			Data:   map[string]any{"taskId": task.ID, "kind": string(TaskKindHuman), "name": name},
		}},
	}
}
