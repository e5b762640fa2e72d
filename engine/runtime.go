package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowgraph-go/engine/emit"
)

// defaultMaxStepsPerCycle guards against definition loops within one
// cooperative execution cycle.
const defaultMaxStepsPerCycle = 1000

// Runtime is the top-level workflow state machine.
//
// It starts instances, advances them node-by-node to a fixed point,
// persists events, tasks, and outbox rows atomically per cycle, computes
// progress, and handles task completion, cancellation, and retry.
//
// Execution of one instance's cycle is logically single-threaded:
// "parallel" branches are multiple simultaneously active node IDs drained
// from an explicit work queue within the same cycle, not separate
// goroutines. Long-running waits (human tasks, timers, pending joins) are
// persisted state, not blocked goroutines; resumption re-enters the same
// cooperative cycle via CompleteTask.
//
// Concurrent instances are independent and may execute in parallel; no
// cross-instance shared mutable state exists outside the store.
type Runtime struct {
	store      Store
	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	gateway    *GatewayEvaluator
	executors  []NodeExecutor
	actions    *ActionRegistry
	conditions ConditionEvaluator
	joinExec   *JoinExecutor
	opts       Options
	now        func() time.Time
}

// NewRuntime creates a Runtime backed by the given store.
//
// Built-in wiring: exclusive/parallel/abTest/featureFlag gateway
// strategies, the noop and webhook actions, and the start-end, automatic,
// human-task, timer, and join node executors. Options add emitters,
// metrics, custom actions and executors, or replace collaborators.
func NewRuntime(st Store, options ...Option) (*Runtime, error) {
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}

	cfg := &runtimeConfig{}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.conditions == nil {
		cfg.conditions = NewBasicConditionEvaluator()
	}
	if cfg.opts.MaxStepsPerCycle <= 0 {
		cfg.opts.MaxStepsPerCycle = defaultMaxStepsPerCycle
	}
	if cfg.opts.MaxGatewayDecisions <= 0 {
		cfg.opts.MaxGatewayDecisions = DefaultMaxGatewayDecisions
	}

	gateway := NewGatewayEvaluator(cfg.opts.MaxGatewayDecisions, cfg.now)
	for _, s := range []GatewayStrategy{
		NewExclusiveStrategy(cfg.conditions),
		NewParallelStrategy(),
		NewAbTestStrategy(),
		NewFeatureFlagStrategy(cfg.flags),
	} {
		if err := gateway.Register(s); err != nil {
			return nil, err
		}
	}

	actions := NewActionRegistry()
	builtins := []ActionExecutor{
		&NoopAction{},
		NewWebhookAction(cfg.httpClient),
	}
	for _, a := range append(builtins, cfg.actions...) {
		if err := actions.Register(a); err != nil {
			return nil, err
		}
	}

	joinExec := NewJoinExecutor(cfg.conditions, cfg.now)
	executors := append([]NodeExecutor{}, cfg.executors...)
	executors = append(executors,
		&StartEndExecutor{},
		NewAutomaticExecutor(actions),
		NewHumanTaskExecutor(cfg.now),
		NewTimerExecutor(cfg.now),
		joinExec,
	)

	return &Runtime{
		store:      st,
		emitter:    cfg.emitter,
		metrics:    cfg.metrics,
		gateway:    gateway,
		executors:  executors,
		actions:    actions,
		conditions: cfg.conditions,
		joinExec:   joinExec,
		opts:       cfg.opts,
		now:        cfg.now,
	}, nil
}

// PublishDefinition validates and persists a definition. A Version of 0
// is assigned the next version for the definition ID.
func (rt *Runtime) PublishDefinition(ctx context.Context, def *WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for _, n := range def.Nodes {
		for _, e := range def.OutgoingEdges(n.ID) {
			if e.Condition == "" {
				continue
			}
			if err := rt.conditions.ValidateSyntax(e.Condition); err != nil {
				return fmt.Errorf("%w: edge %q condition: %v", ErrInvalidDefinition, e.ID, err)
			}
		}
	}
	if def.Version == 0 {
		latest, err := rt.store.GetDefinition(ctx, def.ID, 0)
		switch {
		case err == nil:
			def.Version = latest.Version + 1
		case err == ErrNotFound:
			def.Version = 1
		default:
			return err
		}
	}
	def.PublishedAt = rt.now()
	return rt.store.SaveDefinition(ctx, def)
}

// StartWorkflow creates an instance of the latest published version of a
// definition and synchronously advances it until no branch can progress
// without waiting.
func (rt *Runtime) StartWorkflow(ctx context.Context, definitionID, initialContextJSON, startedBy string) (*WorkflowInstance, error) {
	def, err := rt.store.GetDefinition(ctx, definitionID, 0)
	if err != nil {
		return nil, err
	}

	initial := map[string]any{}
	if initialContextJSON != "" {
		if err := json.Unmarshal([]byte(initialContextJSON), &initial); err != nil {
			return nil, fmt.Errorf("parse initial context: %w", err)
		}
	}
	// Reserved namespaces cannot be injected from outside.
	clean := make(map[string]any, len(initial))
	mergeContext(clean, initial)

	inst := &WorkflowInstance{
		ID:                uuid.NewString(),
		TenantID:          def.TenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            StatusRunning,
		Context:           clean,
		CreatedBy:         startedBy,
		StartedAt:         rt.now(),
		UpdatedAt:         rt.now(),
	}
	for _, id := range def.StartNodes() {
		inst.activateNode(id)
	}
	if err := rt.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	rt.metrics.RecordInstanceStarted()

	c := rt.newCycle(def, inst)
	c.event(EventInstance, NameInstanceStarted, "", map[string]any{"definitionId": def.ID, "definitionVersion": def.Version})
	c.outboxRow(OutboxInstanceStarted, map[string]any{"instanceId": inst.ID, "definitionId": def.ID})
	rt.observe(inst.ID, "", "instance_started", nil)

	seeds := make([]workToken, 0, len(inst.CurrentNodeIDs))
	for _, id := range inst.CurrentNodeIDs {
		seeds = append(seeds, workToken{nodeID: id})
	}
	rt.drain(ctx, c, seeds)
	rt.maybeComplete(c)
	if err := rt.commit(ctx, c); err != nil {
		return nil, err
	}
	return inst, nil
}

// CompleteTask idempotently completes a task and resumes execution from
// the owning node's outgoing edges.
//
// An already-completed or cancelled task is a no-op returning success. If
// the owning instance already reached a terminal status, the task is
// cancelled instead of completed (the late-arrival race). Join-timeout
// tasks are escalated by the JoinTimeoutWorker and cannot be completed
// directly.
func (rt *Runtime) CompleteTask(ctx context.Context, taskID, resultContextJSON, completedBy string) error {
	task, err := rt.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Open() {
		return nil
	}
	if task.Kind == TaskKindJoinTimeout {
		return &EngineError{
			Message: "join timeout tasks are escalated by the timeout worker",
			Code:    "TASK_NOT_COMPLETABLE",
		}
	}

	inst, err := rt.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	def, err := rt.store.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}
	c := rt.newCycle(def, inst)

	if inst.Status.Terminal() {
		rt.cancelTask(c, task, "instance already terminal")
		return rt.commit(ctx, c)
	}

	var result map[string]any
	if resultContextJSON != "" {
		if err := json.Unmarshal([]byte(resultContextJSON), &result); err != nil {
			return fmt.Errorf("parse task result: %w", err)
		}
	}

	completedAt := rt.now()
	task.Status = TaskCompleted
	task.Result = result
	task.CompletedBy = completedBy
	task.CompletedAt = &completedAt
	c.touch(task)
	mergeContext(inst.Context, result)

	c.event(EventTask, NameTaskCompleted, task.NodeID, map[string]any{"taskId": task.ID, "kind": string(task.Kind)})
	c.outboxRow(OutboxTaskCompleted, map[string]any{"instanceId": inst.ID, "taskId": task.ID})
	rt.metrics.RecordTaskClosed(task.Kind, true)
	rt.observe(inst.ID, task.NodeID, "task_completed", map[string]any{"task_id": task.ID})

	// A suspended instance records the completion but does not advance
	// until it is explicitly resumed.
	if inst.Status == StatusSuspended {
		return rt.commit(ctx, c)
	}

	seeds := rt.advanceFrom(c, task.NodeID)
	rt.drain(ctx, c, seeds)
	rt.maybeComplete(c)
	return rt.commit(ctx, c)
}

// CancelWorkflow marks an instance Cancelled, cancels every open task
// belonging to it, and emits one Instance.Cancelled event. Cancelling an
// already-cancelled instance is a no-op.
func (rt *Runtime) CancelWorkflow(ctx context.Context, instanceID, reason string) error {
	inst, err := rt.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status == StatusCancelled {
		return nil
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel instance in status %s", ErrInstanceNotRunning, inst.Status)
	}
	def, err := rt.store.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}
	c := rt.newCycle(def, inst)

	open, err := rt.store.ListOpenTasks(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, task := range open {
		rt.cancelTask(c, task, "instance cancelled")
	}

	completedAt := rt.now()
	inst.Status = StatusCancelled
	inst.CompletedAt = &completedAt
	c.event(EventInstance, NameInstanceCancelled, "", map[string]any{"reason": reason})
	c.outboxRow(OutboxInstanceCancelled, map[string]any{"instanceId": inst.ID, "reason": reason})
	rt.metrics.RecordInstanceFinished(StatusCancelled)
	rt.observe(inst.ID, "", "instance_cancelled", map[string]any{"reason": reason})
	return rt.commit(ctx, c)
}

// RetryWorkflow resumes a Failed instance: the error is cleared, status
// returns to Running, and execution resumes from the failed node, or from
// resetToNodeID when given.
func (rt *Runtime) RetryWorkflow(ctx context.Context, instanceID, resetToNodeID string) error {
	inst, err := rt.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusFailed {
		return fmt.Errorf("%w: status is %s", ErrInstanceNotFailed, inst.Status)
	}
	def, err := rt.store.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}
	if resetToNodeID != "" {
		if def.NodeByID(resetToNodeID) == nil {
			return &EngineError{Message: "reset node does not exist: " + resetToNodeID, Code: "NODE_NOT_FOUND"}
		}
		inst.CurrentNodeIDs = []string{resetToNodeID}
	}
	inst.Status = StatusRunning
	inst.ErrorMessage = ""

	c := rt.newCycle(def, inst)
	c.event(EventInstance, NameInstanceRetried, "", map[string]any{"resetTo": resetToNodeID})
	rt.observe(inst.ID, "", "instance_retried", nil)

	seeds := make([]workToken, 0, len(inst.CurrentNodeIDs))
	for _, id := range inst.CurrentNodeIDs {
		seeds = append(seeds, workToken{nodeID: id, branch: tagOf(inst.Context, id)})
	}
	rt.drain(ctx, c, seeds)
	rt.maybeComplete(c)
	return rt.commit(ctx, c)
}

// ResumeWorkflow returns a Suspended instance to Running and advances its
// active branches.
func (rt *Runtime) ResumeWorkflow(ctx context.Context, instanceID string) error {
	inst, err := rt.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusSuspended {
		return fmt.Errorf("%w: status is %s", ErrInstanceNotRunning, inst.Status)
	}
	def, err := rt.store.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}
	inst.Status = StatusRunning
	inst.ErrorMessage = ""

	c := rt.newCycle(def, inst)
	c.event(EventInstance, NameInstanceResumed, "", nil)
	rt.observe(inst.ID, "", "instance_resumed", nil)

	seeds := make([]workToken, 0, len(inst.CurrentNodeIDs))
	for _, id := range inst.CurrentNodeIDs {
		seeds = append(seeds, workToken{nodeID: id, branch: tagOf(inst.Context, id)})
	}
	rt.drain(ctx, c, seeds)
	rt.maybeComplete(c)
	return rt.commit(ctx, c)
}

// GetInstance loads an instance by ID.
func (rt *Runtime) GetInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	return rt.store.GetInstance(ctx, instanceID)
}

// SetGatewayOverride forces the next evaluation of a gateway node to route
// to the given target, bypassing strategy computation. The override is
// recorded in the instance context and consumed when the gateway is next
// reached; an empty target clears a previously set override.
//
// The target must be reachable through one of the gateway's outgoing
// edges. Overrides cannot be set on terminal instances.
func (rt *Runtime) SetGatewayOverride(ctx context.Context, instanceID, nodeID, target string) error {
	inst, err := rt.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrInstanceNotRunning, inst.Status)
	}
	def, err := rt.store.GetDefinition(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}
	node := def.NodeByID(nodeID)
	if node == nil || node.Type != NodeGateway {
		return &EngineError{Message: "gateway node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}
	if target != "" {
		valid := false
		for _, e := range def.OutgoingEdges(nodeID) {
			if e.Target == target {
				valid = true
				break
			}
		}
		if !valid {
			return &EngineError{
				Message: fmt.Sprintf("target %q is not reachable from gateway %s", target, nodeID),
				Code:    "NODE_NOT_FOUND",
			}
		}
	}

	gw := ensureMap(ensureMap(inst.Context, ctxOverrides), "gateway")
	if target == "" {
		delete(gw, nodeID)
	} else {
		gw[nodeID] = target
	}

	c := rt.newCycle(def, inst)
	c.event(EventGateway, NameGatewayOverrideSet, nodeID, map[string]any{"target": target})
	rt.observe(inst.ID, nodeID, "gateway_override_set", map[string]any{"target": target})
	return rt.commit(ctx, c)
}

// workToken is one schedulable unit in the cooperative work queue: an
// active node plus the parallel-branch tag it is executing under.
type workToken struct {
	nodeID string
	branch string
}

// cycle accumulates the mutations of one cooperative execution cycle:
// appended events, created or updated tasks, and outbox rows. Everything
// commits atomically via Store.SaveExecution at the end of the cycle.
type cycle struct {
	rt        *Runtime
	def       *WorkflowDefinition
	inst      *WorkflowInstance
	events    []WorkflowEvent
	tasks     []*WorkflowTask
	outbox    []OutboxMessage
	queue     []workToken
	steps     int
	halted    bool
	reachable int
	openTasks []*WorkflowTask // lazily loaded for branch cancellation
	openFresh bool
}

func (rt *Runtime) newCycle(def *WorkflowDefinition, inst *WorkflowInstance) *cycle {
	return &cycle{rt: rt, def: def, inst: inst, reachable: def.ReachableCount()}
}

// event stamps and appends one audit-trail event.
func (c *cycle) event(typ EventType, name, nodeID string, data map[string]any) {
	c.events = append(c.events, WorkflowEvent{
		ID:         uuid.NewString(),
		InstanceID: c.inst.ID,
		Type:       typ,
		Name:       name,
		NodeID:     nodeID,
		Data:       data,
		OccurredAt: c.rt.now(),
	})
}

// eventDrafts stamps and appends drafts produced by subsystems.
func (c *cycle) eventDrafts(drafts []EventDraft) {
	for _, d := range drafts {
		c.event(d.Type, d.Name, d.NodeID, d.Data)
	}
}

// outboxRow appends one outbox message.
func (c *cycle) outboxRow(name string, payload map[string]any) {
	c.outbox = append(c.outbox, OutboxMessage{
		ID:        uuid.NewString(),
		TenantID:  c.inst.TenantID,
		Name:      name,
		Payload:   payload,
		CreatedAt: c.rt.now(),
	})
}

// touch records a task mutation for the atomic commit, deduplicating by
// task ID.
func (c *cycle) touch(task *WorkflowTask) {
	for _, t := range c.tasks {
		if t.ID == task.ID {
			return
		}
	}
	c.tasks = append(c.tasks, task)
}

// enqueue adds a token and marks its node active.
func (c *cycle) enqueue(token workToken) {
	c.inst.activateNode(token.nodeID)
	if token.branch != "" {
		branchTags(c.inst.Context)[token.nodeID] = token.branch
	}
	c.queue = append(c.queue, token)
}

// observe forwards one telemetry event to the configured emitter.
func (rt *Runtime) observe(instanceID, nodeID, msg string, meta map[string]any) {
	if rt.emitter == nil {
		return
	}
	rt.emitter.Emit(emit.Event{InstanceID: instanceID, NodeID: nodeID, Msg: msg, Meta: meta})
}

// commit persists the cycle atomically.
func (rt *Runtime) commit(ctx context.Context, c *cycle) error {
	c.inst.UpdatedAt = rt.now()
	if err := rt.store.SaveExecution(ctx, c.inst, c.events, c.tasks, c.outbox); err != nil {
		return &EngineError{Message: "failed to save execution cycle", Code: "STORE_ERROR", Cause: err}
	}
	return nil
}

// drain processes the work queue to a fixed point: every active branch is
// completed, waiting, failed, or exhausted when it returns. This is the
// explicit work-queue form of Continue; there is no recursion, so long
// branch chains cannot grow the call stack.
func (rt *Runtime) drain(ctx context.Context, c *cycle, seeds []workToken) {
	for _, s := range seeds {
		c.enqueue(s)
	}
	for len(c.queue) > 0 && !c.halted {
		if c.inst.Status != StatusRunning {
			break
		}
		token := c.queue[0]
		c.queue = c.queue[1:]

		c.steps++
		if c.steps > rt.opts.MaxStepsPerCycle {
			rt.failInstance(c, token.nodeID, fmt.Sprintf("execution exceeded %d steps in one cycle", rt.opts.MaxStepsPerCycle))
			return
		}
		if ctx.Err() != nil {
			c.halted = true
			return
		}

		node := c.def.NodeByID(token.nodeID)
		if node == nil {
			rt.failInstance(c, token.nodeID, "node not found in definition: "+token.nodeID)
			return
		}

		c.event(EventNode, NameNodeEntered, node.ID, nil)
		if node.Type == NodeGateway {
			rt.executeGateway(ctx, c, *node, token)
			continue
		}
		rt.executeNode(ctx, c, *node, token)
	}
}

// executeGateway evaluates a gateway node and enqueues the chosen targets.
func (rt *Runtime) executeGateway(_ context.Context, c *cycle, node NodeDef, token workToken) {
	spec, _ := ParseGatewaySpec(node.Properties["strategy"])
	outcome, err := rt.gateway.Evaluate(c.def, c.inst, node)
	if err != nil {
		rt.applyFailurePolicy(c, node, token, err.Error())
		return
	}
	rt.metrics.RecordGatewayEvaluation(spec.Kind)
	for _, d := range outcome.Events {
		if d.Name == NameGatewayDecisionPruned {
			if removed, ok := d.Data["removedCount"].(int); ok {
				rt.metrics.RecordDecisionsPruned(removed)
			}
		}
	}
	c.eventDrafts(outcome.Events)
	rt.finishNode(c, node)

	for _, edge := range outcome.Edges {
		c.event(EventEdge, NameEdgeTaken, node.ID, map[string]any{"edgeId": edge.ID, "target": edge.Target})
		branch := token.branch
		if spec.Kind == StrategyParallel {
			// Parallel fan-out starts a new branch per edge; the edge ID
			// is the branch identity consumed by downstream joins.
			branch = edge.ID
		}
		c.enqueue(workToken{nodeID: edge.Target, branch: branch})
	}
}

// executeNode dispatches a non-gateway node to the first matching
// executor and applies the result.
func (rt *Runtime) executeNode(ctx context.Context, c *cycle, node NodeDef, token workToken) {
	exec := rt.executorFor(node)
	if exec == nil {
		rt.applyFailurePolicy(c, node, token, fmt.Sprintf("no executor for node type %q", node.Type))
		return
	}

	// Re-stamp the branch tag from the token being executed. Two branches
	// converging on the same node within one cycle each enqueue a token;
	// the tag written at enqueue time belongs to whichever enqueued last,
	// so the dispatch-time token is the authoritative identity.
	if token.branch != "" {
		branchTags(c.inst.Context)[node.ID] = token.branch
	}

	start := rt.now()
	result := rt.safeExecute(ctx, exec, ExecutionInput{
		Node:        node,
		Definition:  c.def,
		Instance:    c.inst,
		ContextJSON: c.inst.contextJSON(),
	})
	rt.metrics.RecordNodeExecution(node.Type, result.Success, rt.now().Sub(start))
	c.eventDrafts(result.Events)

	if !result.Success {
		rt.applyFailurePolicy(c, node, token, result.ErrorMessage)
		return
	}

	mergeContext(c.inst.Context, result.UpdatedContext)

	if result.ShouldWait {
		if result.CreatedTask != nil {
			c.touch(result.CreatedTask)
			c.outboxRow(OutboxTaskCreated, map[string]any{
				"instanceId": c.inst.ID,
				"taskId":     result.CreatedTask.ID,
				"nodeId":     node.ID,
				"kind":       string(result.CreatedTask.Kind),
			})
			rt.metrics.RecordTaskCreated(result.CreatedTask.Kind)
		}
		rt.observe(c.inst.ID, node.ID, "branch_waiting", nil)
		return
	}

	rt.cancelBranches(ctx, c, node, result.CancelNodeIDs)
	if node.Type == NodeJoin {
		if len(result.NextNodeIDs) == 0 {
			// Late arrival after satisfaction: the branch ends at the
			// join without re-firing its downstream.
			c.inst.deactivateNode(node.ID)
			delete(branchTags(c.inst.Context), node.ID)
			return
		}
		rt.metrics.RecordJoinSatisfied(joinModeOf(node))
		rt.cancelNodeTasks(ctx, c, node.ID, "join satisfied")
	}
	rt.finishNode(c, node)

	if len(result.NextNodeIDs) > 0 {
		next := make(map[string]bool, len(result.NextNodeIDs))
		for _, id := range result.NextNodeIDs {
			next[id] = true
		}
		for _, edge := range c.def.OutgoingEdges(node.ID) {
			if !next[edge.Target] {
				continue
			}
			c.event(EventEdge, NameEdgeTaken, node.ID, map[string]any{"edgeId": edge.ID, "target": edge.Target})
			c.enqueue(workToken{nodeID: edge.Target})
		}
		return
	}
	if node.Type == NodeEnd {
		return
	}
	for _, edge := range c.def.OutgoingEdges(node.ID) {
		c.event(EventEdge, NameEdgeTaken, node.ID, map[string]any{"edgeId": edge.ID, "target": edge.Target})
		c.enqueue(workToken{nodeID: edge.Target, branch: token.branch})
	}
}

// safeExecute shields the drain loop from executor panics; a panic is a
// node failure, not an engine crash.
func (rt *Runtime) safeExecute(ctx context.Context, exec NodeExecutor, in ExecutionInput) (result ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ExecutionResult{
				Success:      false,
				ErrorMessage: fmt.Sprintf("executor panic: %v", r),
			}
		}
	}()
	return exec.Execute(ctx, in)
}

func (rt *Runtime) executorFor(node NodeDef) NodeExecutor {
	for _, exec := range rt.executors {
		if exec.CanExecute(node) {
			return exec
		}
	}
	return nil
}

// finishNode records node completion: visited tracking, the Completed
// event, deactivation, branch-tag cleanup, and a progress report.
func (rt *Runtime) finishNode(c *cycle, node NodeDef) {
	c.event(EventNode, NameNodeCompleted, node.ID, nil)
	c.inst.deactivateNode(node.ID)
	delete(branchTags(c.inst.Context), node.ID)
	rt.markVisited(c, node.ID)
	rt.reportProgress(c, false)
	rt.observe(c.inst.ID, node.ID, "node_completed", nil)
}

// applyFailurePolicy handles a node failure per the node's onFailure
// policy.
func (rt *Runtime) applyFailurePolicy(c *cycle, node NodeDef, token workToken, errMsg string) {
	switch failurePolicyOf(node) {
	case Proceed:
		// The failure was already recorded for observability by the
		// executor's events; the branch advances as a no-op success.
		rt.finishNode(c, node)
		for _, edge := range c.def.OutgoingEdges(node.ID) {
			c.event(EventEdge, NameEdgeTaken, node.ID, map[string]any{"edgeId": edge.ID, "target": edge.Target})
			c.enqueue(workToken{nodeID: edge.Target, branch: token.branch})
		}
	case Suspend:
		c.inst.Status = StatusSuspended
		c.inst.ErrorMessage = errMsg
		c.event(EventInstance, NameInstanceSuspended, node.ID, map[string]any{"error": errMsg})
		rt.observe(c.inst.ID, node.ID, "instance_suspended", map[string]any{"error": errMsg})
		c.halted = true
	default:
		rt.failInstanceAt(c, node.ID, errMsg)
	}
}

// failInstance fails the instance for an error not tied to a resolvable
// node definition.
func (rt *Runtime) failInstance(c *cycle, nodeID, errMsg string) {
	rt.failInstanceAt(c, nodeID, errMsg)
}

func (rt *Runtime) failInstanceAt(c *cycle, nodeID, errMsg string) {
	c.event(EventNode, NameNodeFailed, nodeID, map[string]any{"error": errMsg})
	c.event(EventInstance, NameInstanceFailed, nodeID, map[string]any{"error": errMsg})
	c.outboxRow(OutboxInstanceFailed, map[string]any{"instanceId": c.inst.ID, "error": errMsg})
	c.inst.Status = StatusFailed
	c.inst.ErrorMessage = errMsg
	c.halted = true
	rt.metrics.RecordInstanceFinished(StatusFailed)
	rt.observe(c.inst.ID, nodeID, "instance_failed", map[string]any{"error": errMsg})
}

// cancelBranches deactivates the given nodes, cancels their open tasks,
// and purges their queued work so a cancelled branch cannot keep
// executing within the same cycle. Used by join branch cancellation;
// cancelling an already-terminal branch is a no-op.
func (rt *Runtime) cancelBranches(ctx context.Context, c *cycle, _ NodeDef, nodeIDs []string) {
	if len(nodeIDs) == 0 {
		return
	}
	cancelled := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		cancelled[id] = true
		c.inst.deactivateNode(id)
		rt.cancelNodeTasks(ctx, c, id, "branch cancelled")
	}
	kept := c.queue[:0]
	for _, token := range c.queue {
		if !cancelled[token.nodeID] {
			kept = append(kept, token)
		}
	}
	c.queue = kept
}

// cancelNodeTasks cancels every open task bound to a node, including
// tasks created earlier in this cycle.
func (rt *Runtime) cancelNodeTasks(ctx context.Context, c *cycle, nodeID, reason string) {
	for _, task := range c.tasks {
		if task.NodeID == nodeID && task.Status.Open() {
			rt.cancelTask(c, task, reason)
		}
	}
	if !c.openFresh {
		open, err := rt.store.ListOpenTasks(ctx, c.inst.ID)
		if err == nil {
			c.openTasks = open
			c.openFresh = true
		}
	}
	for _, task := range c.openTasks {
		if task.NodeID == nodeID && task.Status.Open() {
			rt.cancelTask(c, task, reason)
		}
	}
}

// cancelTask marks one task cancelled and records the event.
func (rt *Runtime) cancelTask(c *cycle, task *WorkflowTask, reason string) {
	if !task.Status.Open() {
		return
	}
	completedAt := rt.now()
	task.Status = TaskCancelled
	task.CompletedAt = &completedAt
	c.touch(task)
	c.event(EventTask, NameTaskCancelled, task.NodeID, map[string]any{"taskId": task.ID, "reason": reason})
	rt.metrics.RecordTaskClosed(task.Kind, false)
}

// advanceFrom deactivates a node whose wait completed and returns tokens
// for its outgoing edge targets, propagating the branch tag.
func (rt *Runtime) advanceFrom(c *cycle, nodeID string) []workToken {
	branch := tagOf(c.inst.Context, nodeID)
	c.inst.deactivateNode(nodeID)
	delete(branchTags(c.inst.Context), nodeID)
	rt.markVisited(c, nodeID)
	c.event(EventNode, NameNodeCompleted, nodeID, nil)
	rt.reportProgress(c, false)

	var seeds []workToken
	for _, edge := range c.def.OutgoingEdges(nodeID) {
		c.event(EventEdge, NameEdgeTaken, nodeID, map[string]any{"edgeId": edge.ID, "target": edge.Target})
		seeds = append(seeds, workToken{nodeID: edge.Target, branch: branch})
	}
	return seeds
}

// tagOf reads a node's branch tag from the context.
func tagOf(ctx map[string]any, nodeID string) string {
	tag, _ := branchTags(ctx)[nodeID].(string)
	return tag
}

// maybeComplete transitions the instance to Completed when every branch
// is exhausted: no active nodes remain and the status is still Running.
func (rt *Runtime) maybeComplete(c *cycle) {
	if c.inst.Status != StatusRunning || len(c.inst.CurrentNodeIDs) != 0 {
		return
	}
	completedAt := rt.now()
	c.inst.Status = StatusCompleted
	c.inst.CompletedAt = &completedAt
	rt.reportProgress(c, true)
	c.event(EventInstance, NameInstanceCompleted, "", nil)
	c.outboxRow(OutboxInstanceCompleted, map[string]any{"instanceId": c.inst.ID})
	rt.metrics.RecordInstanceFinished(StatusCompleted)
	rt.observe(c.inst.ID, "", "instance_completed", nil)
}

// markVisited records a node in the instance's visited set.
func (rt *Runtime) markVisited(c *cycle, nodeID string) {
	progress := ensureMap(c.inst.Context, ctxProgress)
	visited := ensureMap(progress, "visited")
	visited[nodeID] = true
}

// reportProgress computes visited/reachable*100 (rounded) and emits a
// Progress event when the percentage changed. The terminal 100% is forced
// exactly once per instance: the last-emitted percentage is tracked in
// the context, so repeated terminal branches cannot duplicate it.
func (rt *Runtime) reportProgress(c *cycle, terminal bool) {
	progress := ensureMap(c.inst.Context, ctxProgress)
	visited := ensureMap(progress, "visited")

	pct := 100
	if !terminal {
		if c.reachable == 0 {
			return
		}
		pct = int(math.Round(float64(len(visited)) / float64(c.reachable) * 100))
		if pct > 100 {
			pct = 100
		}
	}

	last := int(numberProp(progress, "lastPercent"))
	if pct == last {
		return
	}
	progress["lastPercent"] = pct
	c.event(EventInstance, NameInstanceProgress, "", map[string]any{"percentage": pct})
}
