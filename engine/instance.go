package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Instance lifecycle states.
const (
	StatusRunning   InstanceStatus = "Running"
	StatusCompleted InstanceStatus = "Completed"
	StatusFailed    InstanceStatus = "Failed"
	StatusSuspended InstanceStatus = "Suspended"
	StatusCancelled InstanceStatus = "Cancelled"
)

// Terminal reports whether the status admits no further execution.
// Suspended is not terminal: a suspended instance can be resumed.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Engine-private context namespaces. Business data merged from task results
// or executor deltas must never clobber these keys; mergeContext skips any
// top-level key with the reserved prefix.
const (
	ctxGatewayDecisions = "_gatewayDecisions"
	ctxExperiments      = "_experiments"
	ctxOverrides        = "_overrides"
	ctxJoinEval         = "_joinEval"
	ctxProgress         = "_progress"

	reservedPrefix = "_"
)

// WorkflowInstance is one execution of a definition version.
//
// CurrentNodeIDs is an ordered set of active node IDs; multiple entries
// model concurrently active branches after a parallel gateway. The
// instance is owned exclusively by the Runtime and mutated only inside a
// single logical execution cycle.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenantId"`
	DefinitionID      string         `json:"definitionId"`
	DefinitionVersion int            `json:"definitionVersion"`
	Status            InstanceStatus `json:"status"`
	CurrentNodeIDs    []string       `json:"currentNodeIds"`
	Context           map[string]any `json:"context"`
	ErrorMessage      string         `json:"errorMessage,omitempty"`
	CreatedBy         string         `json:"createdBy,omitempty"`
	StartedAt         time.Time      `json:"startedAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// activateNode appends nodeID to the active set if not already present.
func (wi *WorkflowInstance) activateNode(nodeID string) {
	for _, id := range wi.CurrentNodeIDs {
		if id == nodeID {
			return
		}
	}
	wi.CurrentNodeIDs = append(wi.CurrentNodeIDs, nodeID)
}

// deactivateNode removes nodeID from the active set, preserving order.
func (wi *WorkflowInstance) deactivateNode(nodeID string) {
	for i, id := range wi.CurrentNodeIDs {
		if id == nodeID {
			wi.CurrentNodeIDs = append(wi.CurrentNodeIDs[:i], wi.CurrentNodeIDs[i+1:]...)
			return
		}
	}
}

// contextJSON marshals the instance context for collaborators that consume
// a JSON document (condition evaluator, keyPath lookup, token expansion).
func (wi *WorkflowInstance) contextJSON() []byte {
	if wi.Context == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(wi.Context)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// mergeContext overwrites business keys in dst with values from src.
// Reserved engine-private keys (underscore prefix) in src are dropped so
// business payloads cannot clobber engine state.
func mergeContext(dst map[string]any, src map[string]any) {
	for k, v := range src {
		if strings.HasPrefix(k, reservedPrefix) {
			continue
		}
		dst[k] = v
	}
}

// ensureMap returns the map stored at ctx[key], creating it if needed.
// Values deserialized from JSON arrive as map[string]any; anything else is
// replaced.
func ensureMap(ctx map[string]any, key string) map[string]any {
	if m, ok := ctx[key].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	ctx[key] = m
	return m
}

// gatewayOverride returns the forced target for a gateway node, if any.
// Overrides live at context._overrides.gateway[nodeID].
func gatewayOverride(ctx map[string]any, nodeID string) (string, bool) {
	overrides, ok := ctx[ctxOverrides].(map[string]any)
	if !ok {
		return "", false
	}
	gw, ok := overrides["gateway"].(map[string]any)
	if !ok {
		return "", false
	}
	target, ok := gw[nodeID].(string)
	return target, ok && target != ""
}

// DecisionRecord is one entry in a gateway node's bounded decision history
// (context._gatewayDecisions[nodeID]).
type DecisionRecord struct {
	ChosenTargets      []string       `json:"chosenTargets"`
	Diagnostics        map[string]any `json:"diagnostics,omitempty"`
	DecidedAt          time.Time      `json:"decidedAt"`
	DiagnosticsVersion int            `json:"diagnosticsVersion"`
}

// asMap converts the record to the plain-map form stored in the context
// document, so persistence JSON round-trips are shape-stable.
func (r DecisionRecord) asMap() map[string]any {
	targets := make([]any, len(r.ChosenTargets))
	for i, t := range r.ChosenTargets {
		targets[i] = t
	}
	return map[string]any{
		"chosenTargets":      targets,
		"diagnostics":        r.Diagnostics,
		"decidedAt":          r.DecidedAt.UTC().Format(time.RFC3339Nano),
		"diagnosticsVersion": r.DiagnosticsVersion,
	}
}

// ExperimentSnapshot is the sticky A/B-test assignment for a gateway node
// (context._experiments[nodeID]). Once written it is authoritative for the
// lifetime of the instance unless explicitly overridden.
type ExperimentSnapshot struct {
	Variant     string    `json:"variant"`
	AssignedAt  time.Time `json:"assignedAt"`
	KeySnapshot string    `json:"keySnapshot"`
}

func (s ExperimentSnapshot) asMap() map[string]any {
	return map[string]any{
		"variant":     s.Variant,
		"assignedAt":  s.AssignedAt.UTC().Format(time.RFC3339Nano),
		"keySnapshot": s.KeySnapshot,
	}
}

// experimentSnapshot reads a stored snapshot for a gateway node, if any.
func experimentSnapshot(ctx map[string]any, nodeID string) (ExperimentSnapshot, bool) {
	experiments, ok := ctx[ctxExperiments].(map[string]any)
	if !ok {
		return ExperimentSnapshot{}, false
	}
	raw, ok := experiments[nodeID].(map[string]any)
	if !ok {
		return ExperimentSnapshot{}, false
	}
	variant, _ := raw["variant"].(string)
	if variant == "" {
		return ExperimentSnapshot{}, false
	}
	snap := ExperimentSnapshot{Variant: variant}
	if ks, ok := raw["keySnapshot"].(string); ok {
		snap.KeySnapshot = ks
	}
	if at, ok := raw["assignedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			snap.AssignedAt = t
		}
	}
	return snap, true
}

// decisionHistory returns the decision-history array for a gateway node,
// tolerating both []any (post-JSON) and freshly appended slices.
func decisionHistory(ctx map[string]any, nodeID string) []any {
	decisions, ok := ctx[ctxGatewayDecisions].(map[string]any)
	if !ok {
		return nil
	}
	hist, _ := decisions[nodeID].([]any)
	return hist
}

// appendDecision appends one record to the node's decision history and
// returns the new history length before pruning.
func appendDecision(ctx map[string]any, nodeID string, rec DecisionRecord) int {
	decisions := ensureMap(ctx, ctxGatewayDecisions)
	hist, _ := decisions[nodeID].([]any)
	hist = append(hist, rec.asMap())
	decisions[nodeID] = hist
	return len(hist)
}
