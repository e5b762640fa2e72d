package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dshills/flowgraph-go/engine"
)

// MemStore is an in-memory implementation of engine.Store.
//
// Designed for:
//   - Unit and integration tests
//   - Development and prototyping
//   - Short-lived workflows where persistence isn't needed
//
// All data is lost when the store is garbage collected. Aggregates are
// deep-copied on write and read, so callers can keep mutating their
// instances without corrupting stored state.
//
// Thread-safe for concurrent use.
type MemStore struct {
	mu          sync.RWMutex
	definitions map[string]map[int]*engine.WorkflowDefinition
	instances   map[string]*engine.WorkflowInstance
	events      map[string][]engine.WorkflowEvent
	tasks       map[string]*engine.WorkflowTask
	outbox      []*engine.OutboxMessage
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		definitions: make(map[string]map[int]*engine.WorkflowDefinition),
		instances:   make(map[string]*engine.WorkflowInstance),
		events:      make(map[string][]engine.WorkflowEvent),
		tasks:       make(map[string]*engine.WorkflowTask),
	}
}

// SaveDefinition implements engine.Store. Saving an existing
// (ID, Version) pair is an error: definitions are immutable.
func (s *MemStore) SaveDefinition(_ context.Context, def *engine.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.definitions[def.ID]
	if !ok {
		versions = make(map[int]*engine.WorkflowDefinition)
		s.definitions[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("definition %s version %d already published", def.ID, def.Version)
	}

	stored := new(engine.WorkflowDefinition)
	if err := clone(def, stored); err != nil {
		return err
	}
	versions[def.Version] = stored
	return nil
}

// GetDefinition implements engine.Store. Version 0 loads the latest.
func (s *MemStore) GetDefinition(_ context.Context, id string, version int) (*engine.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.definitions[id]
	if !ok || len(versions) == 0 {
		return nil, engine.ErrNotFound
	}
	if version == 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	stored, ok := versions[version]
	if !ok {
		return nil, engine.ErrNotFound
	}
	out := new(engine.WorkflowDefinition)
	if err := clone(stored, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateInstance implements engine.Store.
func (s *MemStore) CreateInstance(_ context.Context, inst *engine.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	stored := new(engine.WorkflowInstance)
	if err := clone(inst, stored); err != nil {
		return err
	}
	s.instances[inst.ID] = stored
	return nil
}

// GetInstance implements engine.Store.
func (s *MemStore) GetInstance(_ context.Context, id string) (*engine.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.instances[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	out := new(engine.WorkflowInstance)
	if err := clone(stored, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveExecution implements engine.Store. The in-memory commit is atomic
// under the store mutex.
func (s *MemStore) SaveExecution(_ context.Context, inst *engine.WorkflowInstance, events []engine.WorkflowEvent, tasks []*engine.WorkflowTask, outbox []engine.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	storedInst := new(engine.WorkflowInstance)
	if err := clone(inst, storedInst); err != nil {
		return err
	}
	storedEvents := make([]engine.WorkflowEvent, len(events))
	for i := range events {
		if err := clone(&events[i], &storedEvents[i]); err != nil {
			return err
		}
	}
	storedTasks := make([]*engine.WorkflowTask, len(tasks))
	for i, task := range tasks {
		storedTasks[i] = new(engine.WorkflowTask)
		if err := clone(task, storedTasks[i]); err != nil {
			return err
		}
	}
	storedOutbox := make([]*engine.OutboxMessage, len(outbox))
	for i := range outbox {
		storedOutbox[i] = new(engine.OutboxMessage)
		if err := clone(&outbox[i], storedOutbox[i]); err != nil {
			return err
		}
	}

	s.instances[inst.ID] = storedInst
	s.events[inst.ID] = append(s.events[inst.ID], storedEvents...)
	for _, task := range storedTasks {
		s.tasks[task.ID] = task
	}
	s.outbox = append(s.outbox, storedOutbox...)
	return nil
}

// GetTask implements engine.Store.
func (s *MemStore) GetTask(_ context.Context, id string) (*engine.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.tasks[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	out := new(engine.WorkflowTask)
	if err := clone(stored, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveTask implements engine.Store.
func (s *MemStore) SaveTask(_ context.Context, task *engine.WorkflowTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := new(engine.WorkflowTask)
	if err := clone(task, stored); err != nil {
		return err
	}
	s.tasks[task.ID] = stored
	return nil
}

// ListOpenTasks implements engine.Store.
func (s *MemStore) ListOpenTasks(_ context.Context, instanceID string) ([]*engine.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*engine.WorkflowTask
	for _, task := range s.tasks {
		if task.InstanceID != instanceID || !task.Status.Open() {
			continue
		}
		cp := new(engine.WorkflowTask)
		if err := clone(task, cp); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListDueTasks implements engine.Store.
func (s *MemStore) ListDueTasks(_ context.Context, kind engine.TaskKind, now time.Time, limit int) ([]*engine.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*engine.WorkflowTask
	for _, task := range s.tasks {
		if task.Kind != kind || !task.Status.Open() {
			continue
		}
		if task.DueAt == nil || task.DueAt.After(now) {
			continue
		}
		cp := new(engine.WorkflowTask)
		if err := clone(task, cp); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(*out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListEvents implements engine.Store.
func (s *MemStore) ListEvents(_ context.Context, instanceID string) ([]engine.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[instanceID]
	out := make([]engine.WorkflowEvent, len(stored))
	for i := range stored {
		if err := clone(&stored[i], &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PendingOutbox implements engine.Store.
func (s *MemStore) PendingOutbox(_ context.Context, limit int) ([]engine.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []engine.OutboxMessage
	for _, msg := range s.outbox {
		if msg.DispatchedAt != nil {
			continue
		}
		var cp engine.OutboxMessage
		if err := clone(msg, &cp); err != nil {
			return nil, err
		}
		out = append(out, cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkOutboxDispatched implements engine.Store.
func (s *MemStore) MarkOutboxDispatched(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	for _, msg := range s.outbox {
		if wanted[msg.ID] && msg.DispatchedAt == nil {
			dispatched := at
			msg.DispatchedAt = &dispatched
		}
	}
	return nil
}

// clone deep-copies src into dst via a JSON round trip, which also
// normalizes context values to their post-persistence shapes.
func clone(src, dst any) error {
	doc, err := encodeDoc(src)
	if err != nil {
		return err
	}
	return decodeDoc(doc, dst)
}
