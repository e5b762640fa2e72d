package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Join-timeout escalation policies (join node property "onTimeout").
const (
	// TimeoutForce satisfies the join with the branches that arrived.
	TimeoutForce = "force"
	// TimeoutRoute activates the node named by timeoutTargetId instead of
	// the join's normal downstream.
	TimeoutRoute = "route"
	// TimeoutFail fails the instance.
	TimeoutFail = "fail"
)

// JoinTimeoutWorker periodically scans for due join-timeout tasks and
// escalates them. Scans are single-flight: a tick that fires while the
// previous scan is still running is skipped rather than stacked.
type JoinTimeoutWorker struct {
	rt        *Runtime
	interval  time.Duration
	batchSize int

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewJoinTimeoutWorker creates a worker scanning every interval, handling
// at most batchSize due tasks per scan. Non-positive arguments fall back
// to 5s and 50.
func NewJoinTimeoutWorker(rt *Runtime, interval time.Duration, batchSize int) *JoinTimeoutWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &JoinTimeoutWorker{
		rt:        rt,
		interval:  interval,
		batchSize: batchSize,
		stop:      make(chan struct{}),
	}
}

// Start launches the scan loop. It returns immediately; use Stop to shut
// the worker down.
func (w *JoinTimeoutWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.ScanOnce(ctx) //nolint:errcheck // scan errors surface per task
			}
		}
	}()
}

// Stop terminates the scan loop and waits for an in-flight scan to finish.
func (w *JoinTimeoutWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// ScanOnce handles one batch of due join-timeout tasks and reports how
// many were escalated. A scan that overlaps a running one returns (0, nil)
// without doing work.
func (w *JoinTimeoutWorker) ScanOnce(ctx context.Context) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer w.running.Store(false)

	due, err := w.rt.store.ListDueTasks(ctx, TaskKindJoinTimeout, w.rt.now(), w.batchSize)
	if err != nil {
		return 0, err
	}
	handled := 0
	var firstErr error
	for _, task := range due {
		if err := w.rt.EscalateJoinTimeout(ctx, task.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		handled++
	}
	return handled, firstErr
}

// EscalateJoinTimeout applies a join node's onTimeout policy to a due
// join-timeout task.
//
// Escalation is idempotent against races with normal satisfaction: if the
// join satisfied, the instance went terminal, or the task already closed
// before the worker got to it, the task is cancelled (or left closed) and
// no escalation happens.
func (rt *Runtime) EscalateJoinTimeout(ctx context.Context, taskID string) error {
	task, err := rt.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Open() {
		return nil
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
	node := def.NodeByID(task.NodeID)
	if node == nil {
		rt.cancelTask(c, task, "join node no longer in definition")
		return rt.commit(ctx, c)
	}
	state := joinState(inst.Context, node.ID)
	if satisfied, _ := state["satisfied"].(bool); satisfied {
		rt.cancelTask(c, task, "join already satisfied")
		return rt.commit(ctx, c)
	}

	policy, _ := node.Properties["onTimeout"].(string)
	if policy == "" {
		policy = TimeoutForce
	}

	completedAt := rt.now()
	task.Status = TaskCompleted
	task.CompletedAt = &completedAt
	c.touch(task)
	rt.metrics.RecordTaskClosed(TaskKindJoinTimeout, true)

	arrivals := joinArrivals(state)
	c.event(EventParallel, NameParallelJoinTimeout, node.ID, map[string]any{
		"policy":   policy,
		"arrivals": len(arrivals),
	})
	rt.observe(inst.ID, node.ID, "join_timeout", map[string]any{"policy": policy})

	switch policy {
	case TimeoutRoute:
		target, _ := node.Properties["timeoutTargetId"].(string)
		if target == "" || def.NodeByID(target) == nil {
			rt.failInstanceAt(c, node.ID, "join timeout route target missing")
			return rt.commit(ctx, c)
		}
		state["satisfied"] = true
		rt.finishNode(c, *node)
		rt.drain(ctx, c, []workToken{{nodeID: target}})
	case TimeoutFail:
		rt.failInstanceAt(c, node.ID, "join timed out")
	default: // TimeoutForce
		result := rt.joinExec.ForceSatisfy(ExecutionInput{
			Node:        *node,
			Definition:  def,
			Instance:    inst,
			ContextJSON: inst.contextJSON(),
		})
		c.eventDrafts(result.Events)
		rt.cancelBranches(ctx, c, *node, result.CancelNodeIDs)
		rt.metrics.RecordJoinSatisfied(joinModeOf(*node))
		rt.finishNode(c, *node)

		var seeds []workToken
		next := make(map[string]bool, len(result.NextNodeIDs))
		for _, id := range result.NextNodeIDs {
			next[id] = true
		}
		for _, edge := range def.OutgoingEdges(node.ID) {
			if !next[edge.Target] {
				continue
			}
			c.event(EventEdge, NameEdgeTaken, node.ID, map[string]any{"edgeId": edge.ID, "target": edge.Target})
			seeds = append(seeds, workToken{nodeID: edge.Target})
		}
		rt.drain(ctx, c, seeds)
	}

	rt.maybeComplete(c)
	return rt.commit(ctx, c)
}
