package engine

import "testing"

// TestTaskTransitions covers the lifecycle state machine.
func TestTaskTransitions(t *testing.T) {
	t.Run("forward transitions", func(t *testing.T) {
		task := &WorkflowTask{ID: "t1", Status: TaskCreated}
		for _, to := range []TaskStatus{TaskAssigned, TaskClaimed, TaskInProgress, TaskCompleted} {
			if err := task.Transition(to); err != nil {
				t.Fatalf("transition to %s: %v", to, err)
			}
		}
		if task.Status != TaskCompleted {
			t.Errorf("Status = %s, want Completed", task.Status)
		}
	})

	t.Run("created may complete directly", func(t *testing.T) {
		task := &WorkflowTask{ID: "t1", Status: TaskCreated}
		if err := task.Transition(TaskCompleted); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("terminal states absorb", func(t *testing.T) {
		for _, terminal := range []TaskStatus{TaskCompleted, TaskCancelled} {
			task := &WorkflowTask{ID: "t1", Status: terminal}
			for _, to := range []TaskStatus{TaskCreated, TaskAssigned, TaskClaimed, TaskInProgress, TaskCompleted, TaskCancelled} {
				if task.CanTransition(to) {
					t.Errorf("%s -> %s should be illegal", terminal, to)
				}
			}
		}
	})

	t.Run("no backward transitions", func(t *testing.T) {
		task := &WorkflowTask{ID: "t1", Status: TaskInProgress}
		if task.CanTransition(TaskCreated) || task.CanTransition(TaskAssigned) || task.CanTransition(TaskClaimed) {
			t.Error("backward transitions must be illegal")
		}
	})

	t.Run("illegal transition returns an error", func(t *testing.T) {
		task := &WorkflowTask{ID: "t1", Status: TaskCompleted}
		if err := task.Transition(TaskInProgress); err == nil {
			t.Error("expected error")
		}
		if task.Status != TaskCompleted {
			t.Errorf("failed transition must not mutate status, got %s", task.Status)
		}
	})
}

// TestTaskStatusOpen verifies the open/closed partition.
func TestTaskStatusOpen(t *testing.T) {
	open := []TaskStatus{TaskCreated, TaskAssigned, TaskClaimed, TaskInProgress}
	for _, s := range open {
		if !s.Open() {
			t.Errorf("%s should be open", s)
		}
	}
	for _, s := range []TaskStatus{TaskCompleted, TaskCancelled} {
		if s.Open() {
			t.Errorf("%s should be closed", s)
		}
	}
}
