package engine

import (
	"fmt"
	"strings"
)

// StrategyKind identifies a gateway routing strategy.
type StrategyKind string

// Built-in strategy kinds.
const (
	StrategyExclusive   StrategyKind = "exclusive"
	StrategyParallel    StrategyKind = "parallel"
	StrategyAbTest      StrategyKind = "abTest"
	StrategyFeatureFlag StrategyKind = "featureFlag"
)

// GatewaySpec is the parsed strategy declaration of a gateway node.
// In the definition graph it may appear as a bare string ("parallel") or
// as a structured object {"kind": "abTest", "config": {...}}.
type GatewaySpec struct {
	Kind   StrategyKind
	Config map[string]any
}

// ParseGatewaySpec normalizes the raw "strategy" property of a gateway
// node. A missing strategy defaults to exclusive.
func ParseGatewaySpec(raw any) (GatewaySpec, error) {
	switch v := raw.(type) {
	case nil:
		return GatewaySpec{Kind: StrategyExclusive}, nil
	case string:
		kind, err := parseStrategyKind(v)
		if err != nil {
			return GatewaySpec{}, err
		}
		return GatewaySpec{Kind: kind}, nil
	case map[string]any:
		rawKind, _ := v["kind"].(string)
		kind, err := parseStrategyKind(rawKind)
		if err != nil {
			return GatewaySpec{}, err
		}
		cfg, _ := v["config"].(map[string]any)
		return GatewaySpec{Kind: kind, Config: cfg}, nil
	default:
		return GatewaySpec{}, fmt.Errorf("strategy must be a string or an object, got %T", raw)
	}
}

func parseStrategyKind(s string) (StrategyKind, error) {
	switch StrategyKind(s) {
	case StrategyExclusive, StrategyParallel, StrategyAbTest, StrategyFeatureFlag:
		return StrategyKind(s), nil
	case "":
		return "", fmt.Errorf("missing strategy kind")
	default:
		return "", fmt.Errorf("unknown strategy kind %q", s)
	}
}

// StrategyInput carries everything a strategy needs to decide which
// outgoing edges fire for one gateway evaluation.
type StrategyInput struct {
	// Node is the gateway node being evaluated.
	Node NodeDef

	// Edges are the gateway's outgoing edges in declaration order.
	Edges []EdgeDef

	// Spec is the parsed strategy declaration.
	Spec GatewaySpec

	// Instance is the owning instance. Strategies may read (but not
	// write) its context; all context mutation goes through the
	// GatewayEvaluator.
	Instance *WorkflowInstance

	// ContextJSON is the instance context serialized for collaborators
	// that consume a JSON document.
	ContextJSON []byte
}

// StrategyResult is the outcome of one strategy selection.
type StrategyResult struct {
	// Edges are the outgoing edges that fire, in declaration order.
	Edges []EdgeDef

	// Diagnostics are recorded into the node's decision history.
	Diagnostics map[string]any

	// Assignment is set by the A/B-test strategy when a variant was
	// computed or reused for this evaluation.
	Assignment *ExperimentSnapshot

	// AssignmentReused is true when Assignment came from the stored
	// experiment snapshot rather than a fresh hash computation. Reused
	// assignments do not re-emit an ExperimentAssigned event.
	AssignmentReused bool
}

// GatewayStrategy decides, for one gateway node, which outgoing edges
// fire. Implementations are registered with the GatewayEvaluator by kind.
type GatewayStrategy interface {
	Kind() StrategyKind
	Select(in StrategyInput) (StrategyResult, error)
}

// ExclusiveStrategy evaluates edge conditions in declaration order and
// fires exactly one edge: the first whose condition is true, or the
// default edge (labeled "else", or unlabeled with no condition) when no
// condition matches.
//
// A condition evaluation error is not fatal: it is recorded as a
// diagnostic and the condition is treated as false.
type ExclusiveStrategy struct {
	conditions ConditionEvaluator
}

// NewExclusiveStrategy creates the exclusive strategy with the given
// condition evaluator.
func NewExclusiveStrategy(conditions ConditionEvaluator) *ExclusiveStrategy {
	return &ExclusiveStrategy{conditions: conditions}
}

// Kind implements GatewayStrategy.
func (s *ExclusiveStrategy) Kind() StrategyKind { return StrategyExclusive }

// Select implements GatewayStrategy.
func (s *ExclusiveStrategy) Select(in StrategyInput) (StrategyResult, error) {
	if len(in.Edges) == 0 {
		return StrategyResult{}, fmt.Errorf("gateway %s has no outgoing edges", in.Node.ID)
	}

	diags := map[string]any{"evaluated": []any{}}
	var evaluated []any
	var defaultEdge *EdgeDef

	for i := range in.Edges {
		edge := in.Edges[i]
		if isDefaultEdge(edge) {
			if defaultEdge == nil {
				defaultEdge = &in.Edges[i]
			}
			continue
		}
		matched, err := s.conditions.Evaluate(edge.Condition, in.ContextJSON)
		if err != nil {
			evaluated = append(evaluated, map[string]any{
				"edgeId": edge.ID, "error": err.Error(), "matched": false,
			})
			continue
		}
		evaluated = append(evaluated, map[string]any{
			"edgeId": edge.ID, "matched": matched,
		})
		if matched {
			diags["evaluated"] = evaluated
			diags["matchedEdgeId"] = edge.ID
			return StrategyResult{Edges: []EdgeDef{edge}, Diagnostics: diags}, nil
		}
	}

	diags["evaluated"] = evaluated
	if defaultEdge != nil {
		diags["defaultTaken"] = true
		return StrategyResult{Edges: []EdgeDef{*defaultEdge}, Diagnostics: diags}, nil
	}
	return StrategyResult{}, fmt.Errorf("gateway %s: no condition matched and no default edge", in.Node.ID)
}

// isDefaultEdge reports whether an edge acts as the exclusive gateway's
// default path: labeled "else", or carrying neither label nor condition.
func isDefaultEdge(e EdgeDef) bool {
	if strings.EqualFold(e.Label, "else") {
		return true
	}
	return e.Label == "" && e.Condition == ""
}

// ParallelStrategy fires every outgoing edge unconditionally (fan-out).
// A downstream join node is expected to converge the branches.
type ParallelStrategy struct{}

// NewParallelStrategy creates the parallel strategy.
func NewParallelStrategy() *ParallelStrategy { return &ParallelStrategy{} }

// Kind implements GatewayStrategy.
func (s *ParallelStrategy) Kind() StrategyKind { return StrategyParallel }

// Select implements GatewayStrategy.
func (s *ParallelStrategy) Select(in StrategyInput) (StrategyResult, error) {
	if len(in.Edges) == 0 {
		return StrategyResult{}, fmt.Errorf("gateway %s has no outgoing edges", in.Node.ID)
	}
	return StrategyResult{
		Edges:       in.Edges,
		Diagnostics: map[string]any{"fanOut": len(in.Edges)},
	}, nil
}
