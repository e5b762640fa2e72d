package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/flowgraph-go/engine"
)

// MySQLStore is a MySQL/MariaDB implementation of engine.Store.
//
// Designed for shared deployments where several engine processes operate
// on the same workflow data. Execution cycles commit in InnoDB
// transactions; documents live in JSON columns next to the indexed
// filter columns.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a MySQL-backed store from a DSN such as
// "user:pass@tcp(localhost:3306)/flowgraph?parseTime=true". Tables are
// created on first use.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning ping error
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning migration error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id VARCHAR(191) NOT NULL,
			version INT NOT NULL,
			tenant_id VARCHAR(191) NOT NULL DEFAULT '',
			doc JSON NOT NULL,
			published_at DATETIME(6) NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			tenant_id VARCHAR(191) NOT NULL DEFAULT '',
			definition_id VARCHAR(191) NOT NULL,
			status VARCHAR(32) NOT NULL,
			doc JSON NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_instances_definition (definition_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(191) NOT NULL UNIQUE,
			instance_id VARCHAR(191) NOT NULL,
			doc JSON NOT NULL,
			occurred_at DATETIME(6) NOT NULL,
			INDEX idx_events_instance (instance_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_tasks (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			instance_id VARCHAR(191) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			due_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			doc JSON NOT NULL,
			INDEX idx_tasks_instance (instance_id, status),
			INDEX idx_tasks_due (kind, status, due_at)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_outbox (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			doc JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			dispatched_at DATETIME(6) NULL,
			INDEX idx_outbox_pending (dispatched_at, created_at)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// mysqlTime formats a timestamp for a DATETIME(6) column.
func mysqlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000000")
}

// SaveDefinition implements engine.Store.
func (s *MySQLStore) SaveDefinition(ctx context.Context, def *engine.WorkflowDefinition) error {
	if err := s.guard(); err != nil {
		return err
	}
	doc, err := encodeDoc(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, version, tenant_id, doc, published_at)
		VALUES (?, ?, ?, ?, ?)
	`, def.ID, def.Version, def.TenantID, doc, mysqlTime(def.PublishedAt))
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// GetDefinition implements engine.Store. Version 0 loads the latest.
func (s *MySQLStore) GetDefinition(ctx context.Context, id string, version int) (*engine.WorkflowDefinition, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT doc FROM workflow_definitions WHERE id = ? AND version = ?`
	args := []any{id, version}
	if version == 0 {
		query = `SELECT doc FROM workflow_definitions WHERE id = ? ORDER BY version DESC LIMIT 1`
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
func (s *MySQLStore) CreateInstance(ctx context.Context, inst *engine.WorkflowInstance) error {
	if err := s.guard(); err != nil {
		return err
	}
	doc, err := encodeDoc(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, tenant_id, definition_id, status, doc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.TenantID, inst.DefinitionID, string(inst.Status), doc, mysqlTime(inst.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance implements engine.Store.
func (s *MySQLStore) GetInstance(ctx context.Context, id string) (*engine.WorkflowInstance, error) {
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

// SaveExecution implements engine.Store. One InnoDB transaction per
// cycle.
func (s *MySQLStore) SaveExecution(ctx context.Context, inst *engine.WorkflowInstance, events []engine.WorkflowEvent, tasks []*engine.WorkflowTask, outbox []engine.OutboxMessage) (err error) {
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
	`, string(inst.Status), instDoc, mysqlTime(inst.UpdatedAt), inst.ID)
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
		`, ev.ID, ev.InstanceID, doc, mysqlTime(ev.OccurredAt))
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	for _, task := range tasks {
		if err = upsertTaskMySQL(ctx, tx, task); err != nil {
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
		`, msg.ID, doc, mysqlTime(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to append outbox row: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertTaskMySQL(ctx context.Context, tx *sql.Tx, task *engine.WorkflowTask) error {
	doc, err := encodeDoc(task)
	if err != nil {
		return err
	}
	var dueAt any
	if task.DueAt != nil {
		dueAt = mysqlTime(*task.DueAt)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_tasks (id, instance_id, kind, status, due_at, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			due_at = VALUES(due_at),
			doc = VALUES(doc)
	`, task.ID, task.InstanceID, string(task.Kind), string(task.Status), dueAt, mysqlTime(task.CreatedAt), doc)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask implements engine.Store.
func (s *MySQLStore) GetTask(ctx context.Context, id string) (*engine.WorkflowTask, error) {
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
func (s *MySQLStore) SaveTask(ctx context.Context, task *engine.WorkflowTask) (err error) {
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
	if err = upsertTaskMySQL(ctx, tx, task); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListOpenTasks implements engine.Store.
func (s *MySQLStore) ListOpenTasks(ctx context.Context, instanceID string) ([]*engine.WorkflowTask, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, `
		SELECT doc FROM workflow_tasks
		WHERE instance_id = ? AND status NOT IN ('Completed', 'Cancelled')
		ORDER BY created_at ASC
	`, instanceID)
}

// ListDueTasks implements engine.Store.
func (s *MySQLStore) ListDueTasks(ctx context.Context, kind engine.TaskKind, now time.Time, limit int) ([]*engine.WorkflowTask, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, `
		SELECT doc FROM workflow_tasks
		WHERE kind = ? AND status NOT IN ('Completed', 'Cancelled')
			AND due_at IS NOT NULL AND due_at <= ?
		ORDER BY due_at ASC
		LIMIT ?
	`, string(kind), mysqlTime(now), limit)
}

func (s *MySQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*engine.WorkflowTask, error) {
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
func (s *MySQLStore) ListEvents(ctx context.Context, instanceID string) ([]engine.WorkflowEvent, error) {
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
func (s *MySQLStore) PendingOutbox(ctx context.Context, limit int) ([]engine.OutboxMessage, error) {
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
func (s *MySQLStore) MarkOutboxDispatched(ctx context.Context, ids []string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, mysqlTime(at))
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

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
