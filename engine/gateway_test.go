package engine

import (
	"testing"
	"time"
)

func testClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestEvaluator(t *testing.T, maxDecisions int, flags FlagProvider) *GatewayEvaluator {
	t.Helper()
	ge := NewGatewayEvaluator(maxDecisions, testClock())
	for _, s := range []GatewayStrategy{
		NewExclusiveStrategy(NewBasicConditionEvaluator()),
		NewParallelStrategy(),
		NewAbTestStrategy(),
		NewFeatureFlagStrategy(flags),
	} {
		if err := ge.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.Kind(), err)
		}
	}
	return ge
}

func gatewayDefinition(strategy any) (*WorkflowDefinition, NodeDef) {
	node := NodeDef{ID: "gw", Type: NodeGateway, Properties: map[string]any{"strategy": strategy}}
	def := &WorkflowDefinition{
		ID:      "wf-gw",
		Version: 1,
		Nodes: []NodeDef{
			{ID: "start", Type: NodeStart},
			node,
			{ID: "a", Type: NodeEnd},
			{ID: "b", Type: NodeEnd},
		},
		Edges: []EdgeDef{
			{ID: "e0", Source: "start", Target: "gw"},
			{ID: "ea", Source: "gw", Target: "a", Label: "match", Condition: "go == true"},
			{ID: "eb", Source: "gw", Target: "b", Label: "else"},
		},
	}
	return def, node
}

func countDrafts(events []EventDraft, name string) int {
	n := 0
	for _, e := range events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// TestGatewayEvaluator_Register rejects duplicate kinds.
func TestGatewayEvaluator_Register(t *testing.T) {
	ge := NewGatewayEvaluator(0, nil)
	if err := ge.Register(NewParallelStrategy()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ge.Register(NewParallelStrategy()); err == nil {
		t.Error("expected error registering the same kind twice")
	}
	if err := ge.Register(nil); err == nil {
		t.Error("expected error for nil strategy")
	}
}

// TestGatewayEvaluator_Evaluate covers decision recording and events.
func TestGatewayEvaluator_Evaluate(t *testing.T) {
	t.Run("records one decision per evaluation", func(t *testing.T) {
		ge := newTestEvaluator(t, 50, nil)
		def, node := gatewayDefinition("exclusive")
		inst := &WorkflowInstance{ID: "wi-1", Status: StatusRunning, Context: map[string]any{"go": true}}

		outcome, err := ge.Evaluate(def, inst, node)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(outcome.Edges) != 1 || outcome.Edges[0].ID != "ea" {
			t.Errorf("edges = %v", outcome.Edges)
		}
		if got := countDrafts(outcome.Events, NameGatewayEvaluated); got != 1 {
			t.Errorf("GatewayEvaluated events = %d, want 1", got)
		}
		hist := decisionHistory(inst.Context, "gw")
		if len(hist) != 1 {
			t.Fatalf("history length = %d, want 1", len(hist))
		}
		rec := hist[0].(map[string]any)
		if rec["diagnosticsVersion"] != diagnosticsVersion {
			t.Errorf("diagnosticsVersion = %v", rec["diagnosticsVersion"])
		}
		targets := rec["chosenTargets"].([]any)
		if len(targets) != 1 || targets[0] != "a" {
			t.Errorf("chosenTargets = %v", targets)
		}
	})

	t.Run("prunes history past the bound and emits once", func(t *testing.T) {
		ge := newTestEvaluator(t, 3, nil)
		def, node := gatewayDefinition("exclusive")
		inst := &WorkflowInstance{ID: "wi-1", Status: StatusRunning, Context: map[string]any{"go": true}}

		var lastEvents []EventDraft
		for i := 0; i < 5; i++ {
			outcome, err := ge.Evaluate(def, inst, node)
			if err != nil {
				t.Fatalf("evaluation %d: %v", i, err)
			}
			lastEvents = outcome.Events
		}
		hist := decisionHistory(inst.Context, "gw")
		if len(hist) != 3 {
			t.Errorf("history length = %d, want 3", len(hist))
		}
		if got := countDrafts(lastEvents, NameGatewayDecisionPruned); got != 1 {
			t.Errorf("pruned events in last evaluation = %d, want 1", got)
		}
	})

	t.Run("override bypasses the strategy", func(t *testing.T) {
		ge := newTestEvaluator(t, 50, nil)
		def, node := gatewayDefinition("exclusive")
		inst := &WorkflowInstance{ID: "wi-1", Status: StatusRunning, Context: map[string]any{
			"go": true, // strategy would pick "a"
			ctxOverrides: map[string]any{
				"gateway": map[string]any{"gw": "b"},
			},
		}}

		outcome, err := ge.Evaluate(def, inst, node)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome.Edges[0].Target != "b" {
			t.Errorf("target = %s, want b", outcome.Edges[0].Target)
		}
		hist := decisionHistory(inst.Context, "gw")
		rec := hist[0].(map[string]any)
		diags := rec["diagnostics"].(map[string]any)
		if diags["overrideApplied"] != true {
			t.Errorf("diagnostics = %v", diags)
		}
	})

	t.Run("override to unknown target is an error", func(t *testing.T) {
		ge := newTestEvaluator(t, 50, nil)
		def, node := gatewayDefinition("exclusive")
		inst := &WorkflowInstance{ID: "wi-1", Status: StatusRunning, Context: map[string]any{
			ctxOverrides: map[string]any{"gateway": map[string]any{"gw": "ghost"}},
		}}
		if _, err := ge.Evaluate(def, inst, node); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unregistered strategy kind is an error", func(t *testing.T) {
		ge := NewGatewayEvaluator(50, testClock())
		if err := ge.Register(NewParallelStrategy()); err != nil {
			t.Fatal(err)
		}
		def, node := gatewayDefinition("exclusive")
		inst := &WorkflowInstance{ID: "wi-1", Status: StatusRunning, Context: map[string]any{}}
		if _, err := ge.Evaluate(def, inst, node); err == nil {
			t.Error("expected error for unregistered kind")
		}
	})
}

// TestGatewayEvaluator_AbTest covers sticky assignment emission.
func TestGatewayEvaluator_AbTest(t *testing.T) {
	strategy := map[string]any{
		"kind": "abTest",
		"config": map[string]any{
			"keyPath": "userId",
			"variants": []any{
				map[string]any{"name": "va", "weight": 50, "target": "a"},
				map[string]any{"name": "vb", "weight": 50, "target": "b"},
			},
		},
	}

	t.Run("assignment event fires exactly once", func(t *testing.T) {
		ge := newTestEvaluator(t, 50, nil)
		def, node := gatewayDefinition(strategy)
		inst := &WorkflowInstance{ID: "wi-1", DefinitionVersion: 1, Status: StatusRunning, Context: map[string]any{"userId": "user-9"}}

		first, err := ge.Evaluate(def, inst, node)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := countDrafts(first.Events, NameExperimentAssigned); got != 1 {
			t.Fatalf("first evaluation ExperimentAssigned = %d, want 1", got)
		}
		snap, ok := experimentSnapshot(inst.Context, "gw")
		if !ok {
			t.Fatal("expected a stored snapshot after first evaluation")
		}
		if snap.KeySnapshot != "user-9" {
			t.Errorf("KeySnapshot = %q", snap.KeySnapshot)
		}

		second, err := ge.Evaluate(def, inst, node)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := countDrafts(second.Events, NameExperimentAssigned); got != 0 {
			t.Errorf("second evaluation ExperimentAssigned = %d, want 0", got)
		}
		if second.Edges[0].ID != first.Edges[0].ID {
			t.Errorf("sticky routing violated: %s then %s", first.Edges[0].ID, second.Edges[0].ID)
		}
	})

	t.Run("override rewrites the snapshot and emits once", func(t *testing.T) {
		ge := newTestEvaluator(t, 50, nil)
		def, node := gatewayDefinition(strategy)
		inst := &WorkflowInstance{ID: "wi-1", DefinitionVersion: 1, Status: StatusRunning, Context: map[string]any{"userId": "user-9"}}

		if _, err := ge.Evaluate(def, inst, node); err != nil {
			t.Fatal(err)
		}
		before, _ := experimentSnapshot(inst.Context, "gw")

		other := "a"
		otherVariant := "va"
		if before.Variant == "va" {
			other, otherVariant = "b", "vb"
		}
		ensureMap(ensureMap(inst.Context, ctxOverrides), "gateway")["gw"] = other

		outcome, err := ge.Evaluate(def, inst, node)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := countDrafts(outcome.Events, NameExperimentAssigned); got != 1 {
			t.Errorf("override ExperimentAssigned = %d, want 1", got)
		}
		after, _ := experimentSnapshot(inst.Context, "gw")
		if after.Variant != otherVariant {
			t.Errorf("snapshot variant = %q, want %q", after.Variant, otherVariant)
		}
	})
}

// TestGatewayEvaluator_FeatureFlagFallback verifies the fallback event.
func TestGatewayEvaluator_FeatureFlagFallback(t *testing.T) {
	strategy := map[string]any{
		"kind": "featureFlag",
		"config": map[string]any{
			"flag":      "exp-1",
			"onTarget":  "a",
			"offTarget": "b",
			"required":  true,
		},
	}
	ge := newTestEvaluator(t, 50, errFlagProvider{})
	def, node := gatewayDefinition(strategy)
	inst := &WorkflowInstance{ID: "wi-1", Status: StatusRunning, Context: map[string]any{}}

	outcome, err := ge.Evaluate(def, inst, node)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Edges[0].Target != "b" {
		t.Errorf("target = %s, want offTarget b", outcome.Edges[0].Target)
	}
	if got := countDrafts(outcome.Events, NameFeatureFlagFallback); got != 1 {
		t.Errorf("FeatureFlagFallback events = %d, want 1", got)
	}
}
