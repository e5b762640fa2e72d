// Package engine provides a multi-tenant workflow execution engine.
//
// Given a declarative graph of nodes and edges (a WorkflowDefinition), the
// engine drives instances of that graph to completion, coordinating
// automatic actions, human tasks, timers, branching gateways, and
// multi-branch joins, while recording a durable, replayable event trail.
//
// The core pieces are:
//
//   - Runtime: the node-execution state machine. Starts instances, advances
//     them node-by-node to a fixed point, persists events/tasks/outbox rows
//     atomically, and handles retry and cancellation.
//   - GatewayEvaluator and strategies: exclusive, parallel, deterministic
//     A/B-test, and feature-flag routing, with bounded decision history and
//     sticky experiment assignment.
//   - Join coordination: all/any/count/quorum/expression satisfaction with
//     best-effort branch cancellation and timeout escalation.
//   - JoinTimeoutWorker: a single-flight periodic scanner that escalates
//     joins past their deadline.
//
// Persistence is pluggable via the Store interface (see the store
// subpackage for memory, SQLite, MySQL, and Postgres backends).
// Observability events flow through the emit subpackage; metrics are
// exposed via Prometheus.
//
// Quick start:
//
//	st := store.NewMemStore()
//	rt, err := engine.NewRuntime(st,
//	    engine.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	)
//	inst, err := rt.StartWorkflow(ctx, defID, `{"amount": 120}`, "user-1")
package engine
