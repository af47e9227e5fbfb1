// Package memory provides an in-memory implementation of the flow store.
//
// Transactions serialize on a single mutex, which gives the engine the
// same observable ordering guarantees as a serializable database. Suitable
// for development, tests and single-node deployments without persistence.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/flow/store"
)

// Store is an in-memory implementation of store.Store.
// It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	workflows map[string]*store.WorkflowExecution
	tasks     map[string]*store.TaskExecution
	calls     map[string]*store.ScheduledCall
	actions   map[string]*store.ActionDefinition
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*store.WorkflowExecution),
		tasks:     make(map[string]*store.TaskExecution),
		calls:     make(map[string]*store.ScheduledCall),
		actions:   make(map[string]*store.ActionDefinition),
	}
}

// InTx runs fn holding the store mutex. Mutations stage in the transaction
// and apply only when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tx{
		s:         s,
		workflows: make(map[string]*store.WorkflowExecution),
		tasks:     make(map[string]*store.TaskExecution),
		calls:     make(map[string]*store.ScheduledCall),
		deleted:   make(map[string]struct{}),
		actions:   make(map[string]*store.ActionDefinition),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

// ClaimDueCalls atomically claims due, unlocked scheduled calls.
func (s *Store) ClaimDueCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*store.ScheduledCall, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*store.ScheduledCall, 0)
	for _, call := range s.calls {
		if !call.ExecuteAt.After(now) && call.LockedUntil.Before(now) && !call.Processed {
			due = append(due, call)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ExecuteAt.Equal(due[j].ExecuteAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ExecuteAt.Before(due[j].ExecuteAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]*store.ScheduledCall, len(due))
	for i, call := range due {
		call.LockedUntil = now.Add(lease)
		claimed[i] = clone(call)
	}
	return claimed, nil
}

// tx stages mutations until commit. Reads see staged values first.
type tx struct {
	s         *Store
	workflows map[string]*store.WorkflowExecution
	tasks     map[string]*store.TaskExecution
	calls     map[string]*store.ScheduledCall
	deleted   map[string]struct{}
	actions   map[string]*store.ActionDefinition
}

func (t *tx) commit() {
	for id, ex := range t.workflows {
		t.s.workflows[id] = ex
	}
	for id, task := range t.tasks {
		t.s.tasks[id] = task
	}
	for id, call := range t.calls {
		t.s.calls[id] = call
	}
	for id := range t.deleted {
		delete(t.s.calls, id)
	}
	for name, def := range t.actions {
		t.s.actions[name] = def
	}
}

func (t *tx) CreateWorkflowExecution(ctx context.Context, ex *store.WorkflowExecution) error {
	if _, ok := t.workflows[ex.ID]; ok {
		return store.ErrDuplicate
	}
	if _, ok := t.s.workflows[ex.ID]; ok {
		return store.ErrDuplicate
	}
	t.workflows[ex.ID] = clone(ex)
	return nil
}

func (t *tx) GetWorkflowExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	if ex, ok := t.workflows[id]; ok {
		return clone(ex), nil
	}
	ex, ok := t.s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(ex), nil
}

func (t *tx) UpdateWorkflowExecution(ctx context.Context, ex *store.WorkflowExecution) error {
	if _, ok := t.workflows[ex.ID]; !ok {
		if _, ok := t.s.workflows[ex.ID]; !ok {
			return store.ErrNotFound
		}
	}
	t.workflows[ex.ID] = clone(ex)
	return nil
}

func (t *tx) CreateTaskExecution(ctx context.Context, task *store.TaskExecution) error {
	if _, ok := t.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	if _, ok := t.s.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	t.tasks[task.ID] = clone(task)
	return nil
}

func (t *tx) GetTaskExecution(ctx context.Context, id string) (*store.TaskExecution, error) {
	if task, ok := t.tasks[id]; ok {
		return clone(task), nil
	}
	task, ok := t.s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(task), nil
}

func (t *tx) GetTaskExecutionByActionID(ctx context.Context, actionID string) (*store.TaskExecution, error) {
	for _, task := range t.tasks {
		if task.ActionID == actionID {
			return clone(task), nil
		}
	}
	for id, task := range t.s.tasks {
		if _, staged := t.tasks[id]; staged {
			continue
		}
		if task.ActionID == actionID {
			return clone(task), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) UpdateTaskExecution(ctx context.Context, task *store.TaskExecution) error {
	if _, ok := t.tasks[task.ID]; !ok {
		if _, ok := t.s.tasks[task.ID]; !ok {
			return store.ErrNotFound
		}
	}
	t.tasks[task.ID] = clone(task)
	return nil
}

func (t *tx) ListTaskExecutions(ctx context.Context, filter store.TaskFilter) ([]*store.TaskExecution, error) {
	seen := make(map[string]*store.TaskExecution, len(t.s.tasks))
	for id, task := range t.s.tasks {
		seen[id] = task
	}
	for id, task := range t.tasks {
		seen[id] = task
	}
	result := make([]*store.TaskExecution, 0, len(seen))
	for _, task := range seen {
		if filter.WorkflowExecutionID != "" && task.WorkflowExecutionID != filter.WorkflowExecutionID {
			continue
		}
		result = append(result, clone(task))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (t *tx) CreateScheduledCall(ctx context.Context, call *store.ScheduledCall) error {
	if _, ok := t.calls[call.ID]; ok {
		return store.ErrDuplicate
	}
	if _, ok := t.s.calls[call.ID]; ok {
		return store.ErrDuplicate
	}
	t.calls[call.ID] = clone(call)
	return nil
}

func (t *tx) DeleteScheduledCall(ctx context.Context, id string) error {
	if _, ok := t.s.calls[id]; !ok {
		if _, ok := t.calls[id]; !ok {
			return store.ErrNotFound
		}
	}
	delete(t.calls, id)
	t.deleted[id] = struct{}{}
	return nil
}

func (t *tx) CreateActionDefinition(ctx context.Context, def *store.ActionDefinition) error {
	if _, ok := t.actions[def.Name]; ok {
		return store.ErrDuplicate
	}
	if _, ok := t.s.actions[def.Name]; ok {
		return store.ErrDuplicate
	}
	t.actions[def.Name] = clone(def)
	return nil
}

func (t *tx) GetActionDefinition(ctx context.Context, name string) (*store.ActionDefinition, error) {
	if def, ok := t.actions[name]; ok {
		return clone(def), nil
	}
	def, ok := t.s.actions[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(def), nil
}

func (t *tx) UpsertActionDefinition(ctx context.Context, def *store.ActionDefinition) error {
	t.actions[def.Name] = clone(def)
	return nil
}

func (t *tx) ListActionDefinitions(ctx context.Context) ([]*store.ActionDefinition, error) {
	seen := make(map[string]*store.ActionDefinition, len(t.s.actions))
	for name, def := range t.s.actions {
		seen[name] = def
	}
	for name, def := range t.actions {
		seen[name] = def
	}
	result := make([]*store.ActionDefinition, 0, len(seen))
	for _, def := range seen {
		result = append(result, clone(def))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// clone deep-copies a record through JSON so callers never alias stored
// state. The record types are JSON-clean by construction.
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("memory store: clone: %v", err))
	}
	return out
}
