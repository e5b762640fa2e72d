package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JoinMode is the satisfaction policy of a join node.
type JoinMode string

// Join satisfaction modes.
const (
	JoinAll        JoinMode = "all"
	JoinAny        JoinMode = "any"
	JoinCount      JoinMode = "count"
	JoinQuorum     JoinMode = "quorum"
	JoinExpression JoinMode = "expression"
)

// joinModeOf reads a join node's mode property, defaulting to all.
func joinModeOf(node NodeDef) JoinMode {
	raw, _ := node.Properties["mode"].(string)
	if raw == "" {
		return JoinAll
	}
	return JoinMode(raw)
}

// Join coordination state lives in the engine-private _joinEval context
// namespace:
//
//	_joinEval.joins[joinNodeID] = {arrivals: [branchID...], satisfied: bool}
//	_joinEval.branches[nodeID]  = branchID
//
// A branch ID is the ID of the edge taken at the originating parallel
// gateway's fan-out. The Runtime propagates the tag from node to node as a
// branch advances; the join consumes it on arrival.

// joinState returns the mutable per-join map, creating it if needed.
func joinState(ctx map[string]any, joinNodeID string) map[string]any {
	joins := ensureMap(ensureMap(ctx, ctxJoinEval), "joins")
	return ensureMap(joins, joinNodeID)
}

// branchTags returns the active-node-to-branch map.
func branchTags(ctx map[string]any) map[string]any {
	return ensureMap(ensureMap(ctx, ctxJoinEval), "branches")
}

func joinArrivals(state map[string]any) []string {
	raw, _ := state["arrivals"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func recordArrival(state map[string]any, branchID string) []string {
	arrivals := joinArrivals(state)
	for _, a := range arrivals {
		if a == branchID {
			return arrivals
		}
	}
	arrivals = append(arrivals, branchID)
	stored := make([]any, len(arrivals))
	for i, a := range arrivals {
		stored[i] = a
	}
	state["arrivals"] = stored
	return arrivals
}

// JoinExecutor coordinates multi-branch convergence. Each arriving branch
// records an arrival; satisfaction is evaluated after every arrival
// according to the node's mode. On satisfaction the join's downstream is
// activated exactly once and, when cancelRemaining is set, branches that
// have not yet arrived are cancelled. Late arrivals after satisfaction are
// accepted but never re-trigger satisfaction.
//
// Node properties:
//
//	gatewayId       — the originating parallel gateway (required)
//	mode            — all | any | count | quorum | expression (default all)
//	count           — threshold for count mode (alias thresholdCount)
//	thresholdPercent — percentage for quorum mode; effective threshold is
//	                  ceil(branchCount * thresholdPercent / 100)
//	expression      — condition for expression mode, evaluated against the
//	                  context overlaid with _joinEval.arrived
//	cancelRemaining — cancel branches that have not arrived on satisfaction
//	timeoutSeconds  — join deadline; a joinTimeout task is created on the
//	                  first arrival and escalated by the JoinTimeoutWorker
//	onTimeout       — force | route | fail (default force)
//	timeoutTargetId — handler node for the route escalation policy
type JoinExecutor struct {
	conditions ConditionEvaluator
	now        func() time.Time
}

// NewJoinExecutor creates the executor. A nil clock uses time.Now.
func NewJoinExecutor(conditions ConditionEvaluator, now func() time.Time) *JoinExecutor {
	if now == nil {
		now = time.Now
	}
	return &JoinExecutor{conditions: conditions, now: now}
}

// CanExecute implements NodeExecutor.
func (e *JoinExecutor) CanExecute(node NodeDef) bool {
	return node.Type == NodeJoin
}

// Execute implements NodeExecutor. The Runtime tags the join node with
// the arriving branch ID in _joinEval.branches before dispatch; Execute
// consumes the tag as the arrival identity.
func (e *JoinExecutor) Execute(_ context.Context, in ExecutionInput) ExecutionResult {
	return e.Arrive(in, arrivingBranch(in))
}

// arrivingBranch reads the branch tag the Runtime stamped for this
// arrival. A missing tag falls back to the join node ID so a join used
// without a parallel gateway still counts a single arrival.
func arrivingBranch(in ExecutionInput) string {
	tags := branchTags(in.Instance.Context)
	if tag, ok := tags[in.Node.ID].(string); ok && tag != "" {
		return tag
	}
	return in.Node.ID
}

// Arrive records one branch arrival and evaluates satisfaction.
func (e *JoinExecutor) Arrive(in ExecutionInput, branchID string) ExecutionResult {
	node := in.Node
	gatewayID, _ := node.Properties["gatewayId"].(string)
	branchEdges := in.Definition.OutgoingEdges(gatewayID)
	branchCount := len(branchEdges)
	mode := joinModeOf(node)

	state := joinState(in.Instance.Context, node.ID)
	delete(branchTags(in.Instance.Context), node.ID)

	if satisfied, _ := state["satisfied"].(bool); satisfied {
		// Late arrival: accepted, recorded, no re-trigger.
		recordArrival(state, branchID)
		return ExecutionResult{Success: true}
	}

	firstArrival := len(joinArrivals(state)) == 0
	arrivals := recordArrival(state, branchID)

	satisfied, threshold := e.satisfied(in, node, mode, len(arrivals), branchCount)
	if !satisfied {
		result := ExecutionResult{Success: true, ShouldWait: true}
		if firstArrival {
			result.CreatedTask = e.timeoutTask(in, node)
			if result.CreatedTask != nil {
				result.Events = append(result.Events, EventDraft{
					Type:   EventTask,
					Name:   NameTaskCreated,
					NodeID: node.ID,
					Data: map[string]any{
						"taskId": result.CreatedTask.ID,
						"kind":   string(TaskKindJoinTimeout),
						"dueAt":  result.CreatedTask.DueAt.UTC().Format(time.RFC3339Nano),
					},
				})
			}
		}
		return result
	}

	return e.satisfy(in, node, mode, arrivals, branchEdges, threshold)
}

// ForceSatisfy satisfies the join with its current arrivals regardless of
// the satisfaction policy. Used by the force timeout-escalation policy.
func (e *JoinExecutor) ForceSatisfy(in ExecutionInput) ExecutionResult {
	node := in.Node
	gatewayID, _ := node.Properties["gatewayId"].(string)
	branchEdges := in.Definition.OutgoingEdges(gatewayID)
	state := joinState(in.Instance.Context, node.ID)
	arrivals := joinArrivals(state)

	threshold := 0
	if joinModeOf(node) == JoinQuorum {
		threshold = quorumThreshold(len(branchEdges), numberProp(node.Properties, "thresholdPercent"))
	}
	return e.satisfy(in, node, joinModeOf(node), arrivals, branchEdges, threshold)
}

// satisfied evaluates the join's satisfaction policy.
func (e *JoinExecutor) satisfied(in ExecutionInput, node NodeDef, mode JoinMode, arrivals, branchCount int) (bool, int) {
	switch mode {
	case JoinAny:
		return arrivals >= 1, 1
	case JoinCount:
		threshold := int(numberProp(node.Properties, "count"))
		if threshold == 0 {
			threshold = int(numberProp(node.Properties, "thresholdCount"))
		}
		if threshold <= 0 {
			threshold = branchCount
		}
		return arrivals >= threshold, threshold
	case JoinQuorum:
		pct := numberProp(node.Properties, "thresholdPercent")
		threshold := quorumThreshold(branchCount, pct)
		return arrivals >= threshold, threshold
	case JoinExpression:
		expr, _ := node.Properties["expression"].(string)
		if expr == "" {
			return arrivals >= branchCount, branchCount
		}
		ok, err := e.conditions.Evaluate(expr, overlayArrived(in.Instance.Context, arrivals))
		if err != nil {
			// Evaluation errors are treated as not-yet-satisfied rather
			// than failing the instance.
			return false, 0
		}
		return ok, 0
	default: // JoinAll
		return arrivals >= branchCount, branchCount
	}
}

// satisfy marks the join satisfied, activates its downstream, and cancels
// remaining branches when requested.
func (e *JoinExecutor) satisfy(in ExecutionInput, node NodeDef, mode JoinMode, arrivals []string, branchEdges []EdgeDef, threshold int) ExecutionResult {
	state := joinState(in.Instance.Context, node.ID)
	state["satisfied"] = true

	data := map[string]any{
		"mode":     string(mode),
		"arrivals": len(arrivals),
	}
	if mode == JoinQuorum {
		data["quorumThresholdCount"] = threshold
	}
	result := ExecutionResult{
		Success: true,
		Events: []EventDraft{{
			Type:   EventParallel,
			Name:   NameParallelJoinSatisfied,
			NodeID: node.ID,
			Data:   data,
		}},
	}

	for _, edge := range in.Definition.OutgoingEdges(node.ID) {
		result.NextNodeIDs = append(result.NextNodeIDs, edge.Target)
	}

	cancelRemaining, _ := node.Properties["cancelRemaining"].(bool)
	if cancelRemaining {
		arrived := make(map[string]bool, len(arrivals))
		for _, a := range arrivals {
			arrived[a] = true
		}
		tags := branchTags(in.Instance.Context)
		for _, edge := range branchEdges {
			if arrived[edge.ID] {
				continue
			}
			// Cancel every active node still carrying this branch tag.
			for nodeID, raw := range tags {
				if tag, ok := raw.(string); ok && tag == edge.ID {
					result.CancelNodeIDs = append(result.CancelNodeIDs, nodeID)
					delete(tags, nodeID)
				}
			}
			result.Events = append(result.Events, EventDraft{
				Type:   EventParallel,
				Name:   NameParallelJoinBranchCancelled,
				NodeID: node.ID,
				Data:   map[string]any{"branchId": edge.ID},
			})
		}
	}
	return result
}

// timeoutTask creates the join-deadline task when the node declares a
// timeout, or nil.
func (e *JoinExecutor) timeoutTask(in ExecutionInput, node NodeDef) *WorkflowTask {
	secs := numberProp(node.Properties, "timeoutSeconds")
	if secs <= 0 {
		return nil
	}
	due := e.now().Add(time.Duration(secs * float64(time.Second)))
	return &WorkflowTask{
		ID:         uuid.NewString(),
		InstanceID: in.Instance.ID,
		NodeID:     node.ID,
		Kind:       TaskKindJoinTimeout,
		Status:     TaskCreated,
		Name:       node.ID,
		DueAt:      &due,
		CreatedAt:  e.now(),
	}
}

// overlayArrived serializes the context with _joinEval.arrived set to the
// current arrival count, for expression-mode evaluation.
func overlayArrived(ctx map[string]any, arrived int) []byte {
	overlay := make(map[string]any, len(ctx))
	for k, v := range ctx {
		overlay[k] = v
	}
	overlay[ctxJoinEval] = map[string]any{"arrived": arrived}
	data, err := json.Marshal(overlay)
	if err != nil {
		return []byte("{}")
	}
	return data
}
