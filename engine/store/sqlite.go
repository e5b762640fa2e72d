package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/flowgraph-go/engine"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of engine.Store.
//
// It stores workflow data in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local workflows requiring durable persistence
//   - Prototyping before migrating to a shared database
//
// SQLiteStore uses WAL mode for concurrent reads and wraps every
// execution-cycle commit in a transaction.
//
// Schema:
//   - workflow_definitions: immutable published definition versions
//   - workflow_instances: instance documents keyed by ID
//   - workflow_events: append-only per-instance audit trail
//   - workflow_tasks: pending and closed tasks, indexed by due date
//   - workflow_outbox: transactional outbox rows awaiting relay
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - "/var/lib/flowgraph/flow.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and tables, enables
// WAL mode, and configures a lock-wait timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./dev.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning migration error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			doc TEXT NOT NULL,
			published_at TIMESTAMP NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT NOT NULL PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			doc TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_definition ON workflow_instances(definition_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL,
			doc TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance ON workflow_events(instance_id, seq)`,
		`CREATE TABLE IF NOT EXISTS workflow_tasks (
			id TEXT NOT NULL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			due_at TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_instance ON workflow_tasks(instance_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON workflow_tasks(kind, status, due_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_outbox (
			id TEXT NOT NULL PRIMARY KEY,
			doc TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			dispatched_at TIMESTAMP NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON workflow_outbox(dispatched_at, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveDefinition implements engine.Store. The primary key rejects
// republishing an existing (ID, Version) pair.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *engine.WorkflowDefinition) error {
	if err := s.guard(); err != nil {
		return err
	}
	doc, err := encodeDoc(def)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO workflow_definitions (id, version, tenant_id, doc, published_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, def.ID, def.Version, def.TenantID, doc, def.PublishedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// GetDefinition implements engine.Store. Version 0 loads the latest.
func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (*engine.WorkflowDefinition, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT doc FROM workflow_definitions
		WHERE id = ? AND version = ?
	`
	args := []any{id, version}
	if version == 0 {
		query = `
			SELECT doc FROM workflow_definitions
			WHERE id = ?
			ORDER BY version DESC
			LIMIT 1
		`
		args = []any{id}
	}

	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	def := new(engine.WorkflowDefinition)
	if err := decodeDoc(doc, def); err != nil {
		return nil, err
	}
	return def, nil
}

// CreateInstance implements engine.Store.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *engine.WorkflowInstance) error {
	if err := s.guard(); err != nil {
		return err
	}
	doc, err := encodeDoc(inst)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO workflow_instances (id, tenant_id, definition_id, status, doc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, inst.ID, inst.TenantID, inst.DefinitionID, string(inst.Status), doc, inst.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance implements engine.Store.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*engine.WorkflowInstance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM workflow_instances WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	inst := new(engine.WorkflowInstance)
	if err := decodeDoc(doc, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// SaveExecution implements engine.Store. The whole cycle commits in one
// transaction; a failure rolls everything back.
func (s *SQLiteStore) SaveExecution(ctx context.Context, inst *engine.WorkflowInstance, events []engine.WorkflowEvent, tasks []*engine.WorkflowTask, outbox []engine.OutboxMessage) (err error) {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback() // Ignore rollback error when already returning error
		}
	}()

	instDoc, err := encodeDoc(inst)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = ?, doc = ?, updated_at = ?
		WHERE id = ?
	`, string(inst.Status), instDoc, inst.UpdatedAt.UTC().Format(time.RFC3339Nano), inst.ID)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	for i := range events {
		ev := &events[i]
		doc, derr := encodeDoc(ev)
		if derr != nil {
			err = derr
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_events (id, instance_id, doc, occurred_at)
			VALUES (?, ?, ?, ?)
		`, ev.ID, ev.InstanceID, doc, ev.OccurredAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	for _, task := range tasks {
		if err = upsertTaskSQLite(ctx, tx, task); err != nil {
			return err
		}
	}

	for i := range outbox {
		msg := &outbox[i]
		doc, derr := encodeDoc(msg)
		if derr != nil {
			err = derr
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_outbox (id, doc, created_at)
			VALUES (?, ?, ?)
		`, msg.ID, doc, msg.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to append outbox row: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertTaskSQLite(ctx context.Context, tx *sql.Tx, task *engine.WorkflowTask) error {
	doc, err := encodeDoc(task)
	if err != nil {
		return err
	}
	var dueAt any
	if task.DueAt != nil {
		dueAt = task.DueAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_tasks (id, instance_id, kind, status, due_at, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			due_at = excluded.due_at,
			doc = excluded.doc
	`, task.ID, task.InstanceID, string(task.Kind), string(task.Status), dueAt, task.CreatedAt.UTC().Format(time.RFC3339Nano), doc)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask implements engine.Store.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*engine.WorkflowTask, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM workflow_tasks WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	task := new(engine.WorkflowTask)
	if err := decodeDoc(doc, task); err != nil {
		return nil, err
	}
	return task, nil
}

// SaveTask implements engine.Store.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *engine.WorkflowTask) (err error) {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback() // Ignore rollback error when already returning error
		}
	}()
	if err = upsertTaskSQLite(ctx, tx, task); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListOpenTasks implements engine.Store.
func (s *SQLiteStore) ListOpenTasks(ctx context.Context, instanceID string) ([]*engine.WorkflowTask, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT doc FROM workflow_tasks
		WHERE instance_id = ? AND status NOT IN ('Completed', 'Cancelled')
		ORDER BY created_at ASC
	`
	return s.queryTasks(ctx, query, instanceID)
}

// ListDueTasks implements engine.Store.
func (s *SQLiteStore) ListDueTasks(ctx context.Context, kind engine.TaskKind, now time.Time, limit int) ([]*engine.WorkflowTask, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT doc FROM workflow_tasks
		WHERE kind = ? AND status NOT IN ('Completed', 'Cancelled')
			AND due_at IS NOT NULL AND due_at <= ?
		ORDER BY due_at ASC
		LIMIT ?
	`
	return s.queryTasks(ctx, query, string(kind), now.UTC().Format(time.RFC3339Nano), limit)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*engine.WorkflowTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*engine.WorkflowTask
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task := new(engine.WorkflowTask)
		if err := decodeDoc(doc, task); err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return out, nil
}

// ListEvents implements engine.Store.
func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string) ([]engine.WorkflowEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM workflow_events
		WHERE instance_id = ?
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.WorkflowEvent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var ev engine.WorkflowEvent
		if err := decodeDoc(doc, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

// PendingOutbox implements engine.Store.
func (s *SQLiteStore) PendingOutbox(ctx context.Context, limit int) ([]engine.OutboxMessage, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM workflow_outbox
		WHERE dispatched_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []engine.OutboxMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		var msg engine.OutboxMessage
		if err := decodeDoc(doc, &msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return out, nil
}

// MarkOutboxDispatched implements engine.Store.
func (s *SQLiteStore) MarkOutboxDispatched(ctx context.Context, ids []string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		args = append(args, id)
	}
	// #nosec G201 -- placeholders are not user input, just "?" marks for parameterized query
	query := fmt.Sprintf(`
		UPDATE workflow_outbox
		SET dispatched_at = ?
		WHERE id IN (%s) AND dispatched_at IS NULL
	`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark outbox dispatched: %w", err)
	}
	return nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
