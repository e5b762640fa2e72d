package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/flowgraph-go/engine"
	"github.com/dshills/flowgraph-go/engine/store"
)

func timerDef(id string, delaySeconds int) *engine.WorkflowDefinition {
	return &engine.WorkflowDefinition{
		ID:       id,
		TenantID: "acme",
		Nodes: []engine.NodeDef{
			{ID: "start", Type: engine.NodeStart},
			{ID: "wait", Type: engine.NodeTimer, Properties: map[string]any{
				"delaySeconds": delaySeconds,
			}},
			{ID: "end", Type: engine.NodeEnd},
		},
		Edges: []engine.EdgeDef{
			{ID: "e1", Source: "start", Target: "wait"},
			{ID: "e2", Source: "wait", Target: "end"},
		},
	}
}

// TestTimerWorker fires a due timer and resumes the branch.
func TestTimerWorker(t *testing.T) {
	clk := newFakeClock()
	st := store.NewMemStore()
	rt := newTestRuntime(t, st, engine.WithClock(clk.Now))
	mustPublish(t, rt, timerDef("wf-timer", 30))

	inst := mustStart(t, rt, "wf-timer", "")
	if inst.Status != engine.StatusRunning {
		t.Fatalf("Status = %s, want Running", inst.Status)
	}
	open, err := st.ListOpenTasks(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Kind != engine.TaskKindTimer {
		t.Fatalf("open tasks = %+v, want one timer task", open)
	}
	wantDue := clk.Now().Add(30 * time.Second)
	if open[0].DueAt == nil || !open[0].DueAt.Equal(wantDue) {
		t.Errorf("DueAt = %v, want %v", open[0].DueAt, wantDue)
	}

	worker := engine.NewTimerWorker(rt, time.Second, 10)

	t.Run("not due yet", func(t *testing.T) {
		if n, err := worker.ScanOnce(context.Background()); err != nil || n != 0 {
			t.Errorf("ScanOnce = (%d, %v), want (0, nil)", n, err)
		}
	})

	t.Run("fires once due", func(t *testing.T) {
		clk.Advance(31 * time.Second)
		n, err := worker.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("ScanOnce: %v", err)
		}
		if n != 1 {
			t.Fatalf("fired = %d, want 1", n)
		}
		reloaded, err := rt.GetInstance(context.Background(), inst.ID)
		if err != nil {
			t.Fatal(err)
		}
		if reloaded.Status != engine.StatusCompleted {
			t.Errorf("Status = %s, want Completed", reloaded.Status)
		}
		task, err := st.GetTask(context.Background(), open[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status != engine.TaskCompleted || task.CompletedBy != "timer" {
			t.Errorf("task = status %s by %q", task.Status, task.CompletedBy)
		}
	})

	t.Run("nothing left to fire", func(t *testing.T) {
		if n, err := worker.ScanOnce(context.Background()); err != nil || n != 0 {
			t.Errorf("ScanOnce = (%d, %v), want (0, nil)", n, err)
		}
	})
}

// TestTimerExecutor_AbsoluteDueAt verifies the dueAt property wins over
// delaySeconds.
func TestTimerExecutor_AbsoluteDueAt(t *testing.T) {
	clk := newFakeClock()
	st := store.NewMemStore()
	rt := newTestRuntime(t, st, engine.WithClock(clk.Now))

	absolute := clk.Now().Add(2 * time.Hour)
	def := timerDef("wf-timer-abs", 30)
	def.NodeByID("wait").Properties["dueAt"] = absolute.Format(time.RFC3339)
	mustPublish(t, rt, def)

	inst := mustStart(t, rt, "wf-timer-abs", "")
	open, err := st.ListOpenTasks(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open tasks = %d", len(open))
	}
	if !open[0].DueAt.Equal(absolute) {
		t.Errorf("DueAt = %v, want %v", open[0].DueAt, absolute)
	}
}
