package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/flowgraph-go/engine"
)

var suiteBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func suiteDefinition(id string, version int) *engine.WorkflowDefinition {
	return &engine.WorkflowDefinition{
		ID:       id,
		Version:  version,
		Name:     "suite",
		TenantID: "acme",
		Nodes: []engine.NodeDef{
			{ID: "start", Type: engine.NodeStart},
			{ID: "end", Type: engine.NodeEnd},
		},
		Edges: []engine.EdgeDef{
			{ID: "e1", Source: "start", Target: "end"},
		},
		PublishedAt: suiteBase,
	}
}

func suiteInstance(id string) *engine.WorkflowInstance {
	return &engine.WorkflowInstance{
		ID:                id,
		TenantID:          "acme",
		DefinitionID:      "wf-suite",
		DefinitionVersion: 1,
		Status:            engine.StatusRunning,
		CurrentNodeIDs:    []string{"start"},
		Context:           map[string]any{"amount": 42.0},
		CreatedBy:         "tester",
		StartedAt:         suiteBase,
		UpdatedAt:         suiteBase,
	}
}

func suiteTask(id, instanceID string, kind engine.TaskKind, due *time.Time) *engine.WorkflowTask {
	return &engine.WorkflowTask{
		ID:         id,
		InstanceID: instanceID,
		NodeID:     "node-" + id,
		Kind:       kind,
		Status:     engine.TaskCreated,
		Name:       id,
		DueAt:      due,
		CreatedAt:  suiteBase,
	}
}

// runStoreSuite exercises the engine.Store contract against a backend.
func runStoreSuite(t *testing.T, st engine.Store) {
	ctx := context.Background()

	t.Run("definitions", func(t *testing.T) {
		if err := st.SaveDefinition(ctx, suiteDefinition("wf-suite", 1)); err != nil {
			t.Fatalf("SaveDefinition v1: %v", err)
		}
		if err := st.SaveDefinition(ctx, suiteDefinition("wf-suite", 2)); err != nil {
			t.Fatalf("SaveDefinition v2: %v", err)
		}
		if err := st.SaveDefinition(ctx, suiteDefinition("wf-suite", 1)); err == nil {
			t.Error("republishing an existing (id, version) must fail")
		}

		got, err := st.GetDefinition(ctx, "wf-suite", 1)
		if err != nil {
			t.Fatalf("GetDefinition v1: %v", err)
		}
		if got.Version != 1 || len(got.Nodes) != 2 || got.TenantID != "acme" {
			t.Errorf("definition = %+v", got)
		}

		latest, err := st.GetDefinition(ctx, "wf-suite", 0)
		if err != nil {
			t.Fatalf("GetDefinition latest: %v", err)
		}
		if latest.Version != 2 {
			t.Errorf("latest Version = %d, want 2", latest.Version)
		}

		if _, err := st.GetDefinition(ctx, "ghost", 0); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if _, err := st.GetDefinition(ctx, "wf-suite", 9); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("instances", func(t *testing.T) {
		inst := suiteInstance("wi-1")
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}
		if err := st.CreateInstance(ctx, suiteInstance("wi-1")); err == nil {
			t.Error("creating a duplicate instance must fail")
		}

		got, err := st.GetInstance(ctx, "wi-1")
		if err != nil {
			t.Fatalf("GetInstance: %v", err)
		}
		if got.Status != engine.StatusRunning || got.Context["amount"] != 42.0 {
			t.Errorf("instance = %+v", got)
		}
		if len(got.CurrentNodeIDs) != 1 || got.CurrentNodeIDs[0] != "start" {
			t.Errorf("CurrentNodeIDs = %v", got.CurrentNodeIDs)
		}
		if _, err := st.GetInstance(ctx, "ghost"); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("save execution", func(t *testing.T) {
		inst, err := st.GetInstance(ctx, "wi-1")
		if err != nil {
			t.Fatal(err)
		}
		inst.Status = engine.StatusCompleted
		inst.CurrentNodeIDs = nil
		inst.Context["approved"] = true

		events := []engine.WorkflowEvent{
			{ID: "ev-1", InstanceID: "wi-1", Type: engine.EventInstance, Name: engine.NameInstanceStarted, OccurredAt: suiteBase},
			{ID: "ev-2", InstanceID: "wi-1", Type: engine.EventInstance, Name: engine.NameInstanceCompleted, OccurredAt: suiteBase.Add(time.Second)},
		}
		tasks := []*engine.WorkflowTask{suiteTask("t-exec", "wi-1", engine.TaskKindHuman, nil)}
		outbox := []engine.OutboxMessage{
			{ID: "ob-1", TenantID: "acme", Name: engine.OutboxInstanceStarted, Payload: map[string]any{"instanceId": "wi-1"}, CreatedAt: suiteBase},
			{ID: "ob-2", TenantID: "acme", Name: engine.OutboxInstanceCompleted, CreatedAt: suiteBase.Add(time.Second)},
		}
		if err := st.SaveExecution(ctx, inst, events, tasks, outbox); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}

		reloaded, err := st.GetInstance(ctx, "wi-1")
		if err != nil {
			t.Fatal(err)
		}
		if reloaded.Status != engine.StatusCompleted || reloaded.Context["approved"] != true {
			t.Errorf("instance = %+v", reloaded)
		}

		trail, err := st.ListEvents(ctx, "wi-1")
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(trail) != 2 || trail[0].ID != "ev-1" || trail[1].ID != "ev-2" {
			t.Errorf("trail = %+v, want ev-1 then ev-2", trail)
		}

		task, err := st.GetTask(ctx, "t-exec")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.InstanceID != "wi-1" || task.Kind != engine.TaskKindHuman {
			t.Errorf("task = %+v", task)
		}
	})

	t.Run("task updates", func(t *testing.T) {
		task, err := st.GetTask(ctx, "t-exec")
		if err != nil {
			t.Fatal(err)
		}
		task.Status = engine.TaskCompleted
		completed := suiteBase.Add(time.Minute)
		task.CompletedAt = &completed
		task.CompletedBy = "alice"
		if err := st.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
		reloaded, err := st.GetTask(ctx, "t-exec")
		if err != nil {
			t.Fatal(err)
		}
		if reloaded.Status != engine.TaskCompleted || reloaded.CompletedBy != "alice" {
			t.Errorf("task = %+v", reloaded)
		}
		if _, err := st.GetTask(ctx, "ghost"); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("open and due tasks", func(t *testing.T) {
		inst := suiteInstance("wi-tasks")
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatal(err)
		}
		early := suiteBase.Add(time.Minute)
		late := suiteBase.Add(time.Hour)
		far := suiteBase.Add(24 * time.Hour)
		tasks := []*engine.WorkflowTask{
			suiteTask("t-human", "wi-tasks", engine.TaskKindHuman, nil),
			suiteTask("t-timer-early", "wi-tasks", engine.TaskKindTimer, &early),
			suiteTask("t-timer-late", "wi-tasks", engine.TaskKindTimer, &late),
			suiteTask("t-timer-far", "wi-tasks", engine.TaskKindTimer, &far),
			suiteTask("t-join", "wi-tasks", engine.TaskKindJoinTimeout, &early),
		}
		for i, task := range tasks {
			task.CreatedAt = suiteBase.Add(time.Duration(i) * time.Second)
			if err := st.SaveTask(ctx, task); err != nil {
				t.Fatal(err)
			}
		}

		open, err := st.ListOpenTasks(ctx, "wi-tasks")
		if err != nil {
			t.Fatalf("ListOpenTasks: %v", err)
		}
		if len(open) != 5 {
			t.Fatalf("open = %d, want 5", len(open))
		}
		for i := 1; i < len(open); i++ {
			if open[i].CreatedAt.Before(open[i-1].CreatedAt) {
				t.Errorf("open tasks not ordered oldest first: %v", open)
			}
		}

		now := suiteBase.Add(2 * time.Hour)
		due, err := st.ListDueTasks(ctx, engine.TaskKindTimer, now, 10)
		if err != nil {
			t.Fatalf("ListDueTasks: %v", err)
		}
		if len(due) != 2 {
			t.Fatalf("due timers = %d, want 2", len(due))
		}
		if due[0].ID != "t-timer-early" || due[1].ID != "t-timer-late" {
			t.Errorf("due order = %s, %s", due[0].ID, due[1].ID)
		}

		limited, err := st.ListDueTasks(ctx, engine.TaskKindTimer, now, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 1 || limited[0].ID != "t-timer-early" {
			t.Errorf("limited = %+v", limited)
		}

		// Closed tasks are never due.
		closer, err := st.GetTask(ctx, "t-timer-early")
		if err != nil {
			t.Fatal(err)
		}
		closer.Status = engine.TaskCancelled
		if err := st.SaveTask(ctx, closer); err != nil {
			t.Fatal(err)
		}
		due, err = st.ListDueTasks(ctx, engine.TaskKindTimer, now, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 1 || due[0].ID != "t-timer-late" {
			t.Errorf("due after close = %+v", due)
		}
	})

	t.Run("outbox lifecycle", func(t *testing.T) {
		pending, err := st.PendingOutbox(ctx, 10)
		if err != nil {
			t.Fatalf("PendingOutbox: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("pending = %d, want 2", len(pending))
		}
		if pending[0].ID != "ob-1" {
			t.Errorf("pending order = %s, want ob-1 first", pending[0].ID)
		}

		if err := st.MarkOutboxDispatched(ctx, []string{"ob-1"}, suiteBase.Add(time.Minute)); err != nil {
			t.Fatalf("MarkOutboxDispatched: %v", err)
		}
		pending, err = st.PendingOutbox(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].ID != "ob-2" {
			t.Errorf("pending after dispatch = %+v", pending)
		}

		if err := st.MarkOutboxDispatched(ctx, []string{"ob-2"}, suiteBase.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		pending, err = st.PendingOutbox(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 0 {
			t.Errorf("pending = %d, want 0", len(pending))
		}
	})
}

// bulkTasks seeds n due timer tasks for limit tests.
func bulkTasks(t *testing.T, st engine.Store, instanceID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		due := suiteBase.Add(time.Duration(i) * time.Second)
		task := suiteTask(fmt.Sprintf("bulk-%03d", i), instanceID, engine.TaskKindTimer, &due)
		if err := st.SaveTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
}
