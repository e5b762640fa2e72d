package engine

import (
	"context"
	"time"
)

// Store is the persistence contract the engine requires: transactional
// CRUD over definitions, instances, events (append-only), tasks, and
// outbox rows.
//
// The engine's access pattern is deliberately narrow: read an instance,
// mutate it in memory during one cooperative execution cycle, then save
// the instance together with the cycle's appended events, created/updated
// tasks, and outbox rows in a single atomic commit (SaveExecution).
// Partial visibility of a half-advanced instance must never be observable
// to other readers.
//
// Implementations:
//   - store.MemStore: in-memory, for tests and development
//   - store.SQLiteStore: single-file database (modernc.org/sqlite, WAL)
//   - store.MySQLStore: MySQL/MariaDB
//   - store.PostgresStore: PostgreSQL via pgx
type Store interface {
	// SaveDefinition persists a published definition version.
	// Definitions are immutable; saving an existing (ID, Version) pair
	// is an error.
	SaveDefinition(ctx context.Context, def *WorkflowDefinition) error

	// GetDefinition loads a definition by ID and version. A version of 0
	// loads the latest published version. Returns ErrNotFound if absent.
	GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error)

	// CreateInstance persists a newly started instance.
	CreateInstance(ctx context.Context, inst *WorkflowInstance) error

	// GetInstance loads an instance by ID. Returns ErrNotFound if absent.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// SaveExecution atomically persists the outcome of one execution
	// cycle: the mutated instance, appended events, created or updated
	// tasks, and outbox rows. Either everything commits or nothing does.
	SaveExecution(ctx context.Context, inst *WorkflowInstance, events []WorkflowEvent, tasks []*WorkflowTask, outbox []OutboxMessage) error

	// GetTask loads a task by ID. Returns ErrNotFound if absent.
	GetTask(ctx context.Context, id string) (*WorkflowTask, error)

	// SaveTask persists a task status change outside an execution cycle
	// (assignment, claim).
	SaveTask(ctx context.Context, task *WorkflowTask) error

	// ListOpenTasks returns all open (non-terminal) tasks for an
	// instance, oldest first.
	ListOpenTasks(ctx context.Context, instanceID string) ([]*WorkflowTask, error)

	// ListDueTasks returns up to limit open tasks of the given kind whose
	// due date is at or before now, oldest due first. Used by the timer
	// and join-timeout scanners.
	ListDueTasks(ctx context.Context, kind TaskKind, now time.Time, limit int) ([]*WorkflowTask, error)

	// ListEvents returns the append-only event trail for an instance in
	// occurrence order.
	ListEvents(ctx context.Context, instanceID string) ([]WorkflowEvent, error)

	// PendingOutbox returns up to limit outbox messages that have not
	// been dispatched, oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)

	// MarkOutboxDispatched records that the given outbox messages were
	// delivered. Messages not marked will be returned again by
	// PendingOutbox (at-least-once relay).
	MarkOutboxDispatched(ctx context.Context, ids []string, at time.Time) error
}
