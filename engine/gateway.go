package engine

import (
	"fmt"
	"time"
)

// diagnosticsVersion is the schema-version tag stamped on every decision
// record, enabling forward-compatible consumers of the decision history.
const diagnosticsVersion = 1

// EventDraft is an event produced by a subsystem that does not own the
// instance ID or the clock. The Runtime stamps drafts into WorkflowEvents
// before persisting them.
type EventDraft struct {
	Type   EventType
	Name   string
	NodeID string
	Data   map[string]any
}

// GatewayOutcome is the result of one gateway evaluation: the edges that
// fire plus the events the evaluation produced (gateway evaluated,
// experiment assignment, pruning, flag fallback).
type GatewayOutcome struct {
	Edges  []EdgeDef
	Events []EventDraft
}

// GatewayEvaluator orchestrates gateway evaluation: strategy selection via
// a registry keyed by kind, the override mechanism, decision-history
// recording, history pruning, and experiment-assignment emission.
type GatewayEvaluator struct {
	strategies   map[StrategyKind]GatewayStrategy
	maxDecisions int
	now          func() time.Time
}

// NewGatewayEvaluator creates an evaluator with no registered strategies.
// maxDecisions bounds per-node decision history; values <= 0 fall back to
// DefaultMaxGatewayDecisions.
func NewGatewayEvaluator(maxDecisions int, now func() time.Time) *GatewayEvaluator {
	if maxDecisions <= 0 {
		maxDecisions = DefaultMaxGatewayDecisions
	}
	if now == nil {
		now = time.Now
	}
	return &GatewayEvaluator{
		strategies:   make(map[StrategyKind]GatewayStrategy),
		maxDecisions: maxDecisions,
		now:          now,
	}
}

// Register adds a strategy to the registry. Registering a kind twice is an
// error; strategies are resolved once at startup.
func (ge *GatewayEvaluator) Register(s GatewayStrategy) error {
	if s == nil {
		return fmt.Errorf("strategy cannot be nil")
	}
	if _, exists := ge.strategies[s.Kind()]; exists {
		return fmt.Errorf("strategy %q already registered", s.Kind())
	}
	ge.strategies[s.Kind()] = s
	return nil
}

// Evaluate decides which outgoing edges of a gateway node fire, records a
// diagnostic entry in the node's bounded decision history, and prunes the
// history.
//
// If context._overrides.gateway[nodeID] names a target, the override
// bypasses strategy computation entirely and is recorded with
// diagnostics.overrideApplied = true. On an A/B-test gateway an override
// counts as an explicit reassignment: the experiment snapshot is rewritten
// and exactly one ExperimentAssigned event fires.
func (ge *GatewayEvaluator) Evaluate(def *WorkflowDefinition, inst *WorkflowInstance, node NodeDef) (GatewayOutcome, error) {
	spec, err := ParseGatewaySpec(node.Properties["strategy"])
	if err != nil {
		return GatewayOutcome{}, fmt.Errorf("gateway %s: %w", node.ID, err)
	}
	edges := def.OutgoingEdges(node.ID)

	if target, ok := gatewayOverride(inst.Context, node.ID); ok {
		return ge.applyOverride(inst, node, spec, edges, target)
	}

	strategy, ok := ge.strategies[spec.Kind]
	if !ok {
		return GatewayOutcome{}, &EngineError{
			Message: fmt.Sprintf("no strategy registered for kind %q on gateway %s", spec.Kind, node.ID),
			Code:    "STRATEGY_NOT_FOUND",
		}
	}

	result, err := strategy.Select(StrategyInput{
		Node:        node,
		Edges:       edges,
		Spec:        spec,
		Instance:    inst,
		ContextJSON: inst.contextJSON(),
	})
	if err != nil {
		return GatewayOutcome{}, err
	}

	outcome := GatewayOutcome{Edges: result.Edges}

	// Sticky assignment: persist the snapshot and emit on first
	// assignment only, never on cache reuse.
	if result.Assignment != nil && !result.AssignmentReused {
		snap := *result.Assignment
		snap.AssignedAt = ge.now()
		ensureMap(inst.Context, ctxExperiments)[node.ID] = snap.asMap()
		outcome.Events = append(outcome.Events, EventDraft{
			Type:   EventGateway,
			Name:   NameExperimentAssigned,
			NodeID: node.ID,
			Data: map[string]any{
				"variant":     snap.Variant,
				"keySnapshot": snap.KeySnapshot,
			},
		})
	}

	if _, hasErr := result.Diagnostics["providerError"]; hasErr {
		outcome.Events = append(outcome.Events, EventDraft{
			Type:   EventGateway,
			Name:   NameFeatureFlagFallback,
			NodeID: node.ID,
			Data:   result.Diagnostics,
		})
	}

	outcome.Events = append(outcome.Events, ge.record(inst, node.ID, result.Edges, result.Diagnostics)...)
	return outcome, nil
}

// applyOverride forces the named target, bypassing strategy computation.
func (ge *GatewayEvaluator) applyOverride(inst *WorkflowInstance, node NodeDef, spec GatewaySpec, edges []EdgeDef, target string) (GatewayOutcome, error) {
	edge, err := edgeForTarget(edges, target, "")
	if err != nil {
		return GatewayOutcome{}, fmt.Errorf("gateway %s override: %w", node.ID, err)
	}
	diags := map[string]any{
		"overrideApplied": true,
		"overrideTarget":  target,
	}
	outcome := GatewayOutcome{Edges: []EdgeDef{edge}}

	// On an A/B-test gateway the override is a reassignment, not a
	// reuse: rewrite the snapshot and emit exactly one assignment event.
	if spec.Kind == StrategyAbTest {
		variantName := target
		if variants, err := parseVariants(spec.Config); err == nil {
			for _, v := range variants {
				if v.Target == target {
					variantName = v.Name
					break
				}
			}
		}
		snap := ExperimentSnapshot{Variant: variantName, AssignedAt: ge.now(), KeySnapshot: ""}
		ensureMap(inst.Context, ctxExperiments)[node.ID] = snap.asMap()
		diags["variant"] = variantName
		outcome.Events = append(outcome.Events, EventDraft{
			Type:   EventGateway,
			Name:   NameExperimentAssigned,
			NodeID: node.ID,
			Data: map[string]any{
				"variant":  variantName,
				"override": true,
			},
		})
	}

	outcome.Events = append(outcome.Events, ge.record(inst, node.ID, outcome.Edges, diags)...)
	return outcome, nil
}

// record appends one decision record to the node's history, prunes the
// history to the configured bound, and returns the resulting events.
func (ge *GatewayEvaluator) record(inst *WorkflowInstance, nodeID string, chosen []EdgeDef, diags map[string]any) []EventDraft {
	targets := make([]string, len(chosen))
	for i, e := range chosen {
		targets[i] = e.Target
	}
	rec := DecisionRecord{
		ChosenTargets:      targets,
		Diagnostics:        diags,
		DecidedAt:          ge.now(),
		DiagnosticsVersion: diagnosticsVersion,
	}
	appendDecision(inst.Context, nodeID, rec)

	events := []EventDraft{{
		Type:   EventGateway,
		Name:   NameGatewayEvaluated,
		NodeID: nodeID,
		Data: map[string]any{
			"chosenTargets":      targets,
			"diagnostics":        diags,
			"diagnosticsVersion": diagnosticsVersion,
		},
	}}

	if removed, newLen := pruneNodeHistory(inst.Context, nodeID, ge.maxDecisions); removed > 0 {
		events = append(events, EventDraft{
			Type:   EventGateway,
			Name:   NameGatewayDecisionPruned,
			NodeID: nodeID,
			Data: map[string]any{
				"removedCount": removed,
				"newLength":    newLen,
			},
		})
	}
	return events
}
