// Package store defines the persistence layer for workflow executions, task
// executions, scheduled calls and action definitions.
//
// The Store interface abstracts the transactional backend. Available
// implementations:
//
//   - memory: serializable in-memory store for development and testing
//   - mongo: MongoDB store for production persistence
//
// Engine operations run entirely inside a single transaction obtained via
// InTx; correctness under concurrent workers rides on the serialization the
// implementation provides.
package store

import (
	"context"
	"errors"
	"time"

	"goa.design/flow/engine/states"
	"goa.design/flow/spec"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a create collides with an existing record.
var ErrDuplicate = errors.New("record already exists")

type (
	// WorkflowExecution is one run of a workflow definition. The embedded
	// spec is a point-in-time snapshot; later edits to definitions do not
	// affect running executions.
	WorkflowExecution struct {
		ID           string
		WorkflowName string
		Spec         *spec.Workflow
		Input        map[string]any
		Output       map[string]any
		// Context is the accumulating publish namespace visible to
		// expressions. It grows monotonically as tasks complete.
		Context     map[string]any
		State       states.State
		StateInfo   string
		StartParams map[string]any
		// TaskExecutionID links a sub-workflow execution back to the task
		// that spawned it. Empty for top-level executions.
		TaskExecutionID string
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// TaskExecution is one run of a task within a workflow execution.
	TaskExecution struct {
		ID                  string
		Name                string
		WorkflowExecutionID string
		// InContext is the snapshot of the workflow context used to build
		// the task input.
		InContext map[string]any
		Input     map[string]any
		// Result holds the raw result payload reported by the action (data
		// on success, error payload on failure).
		Result any
		// Published holds the evaluated publish expressions of a
		// successful task.
		Published map[string]any
		State     states.State
		StateInfo string
		// RuntimeContext is the per-task bag used by policies for
		// bookkeeping (retry counter, skip flags, concurrency cap).
		RuntimeContext map[string]any
		// Processed records that the task's completion already drove
		// successor evaluation.
		Processed bool
		// ActionID identifies the in-flight action invocation, if any.
		ActionID string
		// CompletedAt orders context merges of parallel branches.
		CompletedAt *time.Time
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// ScheduledCall is a durable future invocation of a named target.
	ScheduledCall struct {
		ID     string
		Target string
		Method string
		// ExecuteAt is the absolute time the call becomes due.
		ExecuteAt time.Time
		Args      map[string]any
		// Serializers maps argument names to the serializer used to store
		// non-primitive values textually.
		Serializers map[string]string
		LockedUntil time.Time
		Processed   bool
		CreatedAt   time.Time
	}

	// ActionDefinition is a named action registered with the service.
	// System actions are seeded at startup and cannot be modified.
	ActionDefinition struct {
		Name        string
		Description string
		// Definition is the raw YAML the action was created from.
		Definition string
		// Base names the builtin action the definition delegates to.
		Base string
		// Params lists the accepted input parameter names.
		Params    []string
		IsSystem  bool
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// TaskFilter narrows task execution listings.
	TaskFilter struct {
		WorkflowExecutionID string
	}

	// Tx exposes the per-record operations available inside a transaction.
	// Mutations are visible to subsequent reads in the same transaction and
	// are applied atomically when the transaction commits.
	Tx interface {
		CreateWorkflowExecution(ctx context.Context, ex *WorkflowExecution) error
		GetWorkflowExecution(ctx context.Context, id string) (*WorkflowExecution, error)
		UpdateWorkflowExecution(ctx context.Context, ex *WorkflowExecution) error

		CreateTaskExecution(ctx context.Context, task *TaskExecution) error
		GetTaskExecution(ctx context.Context, id string) (*TaskExecution, error)
		GetTaskExecutionByActionID(ctx context.Context, actionID string) (*TaskExecution, error)
		UpdateTaskExecution(ctx context.Context, task *TaskExecution) error
		ListTaskExecutions(ctx context.Context, filter TaskFilter) ([]*TaskExecution, error)

		CreateScheduledCall(ctx context.Context, call *ScheduledCall) error
		DeleteScheduledCall(ctx context.Context, id string) error

		CreateActionDefinition(ctx context.Context, def *ActionDefinition) error
		GetActionDefinition(ctx context.Context, name string) (*ActionDefinition, error)
		UpsertActionDefinition(ctx context.Context, def *ActionDefinition) error
		ListActionDefinitions(ctx context.Context) ([]*ActionDefinition, error)
	}

	// Store is the transactional persistence backend.
	// Implementations must be safe for concurrent use.
	Store interface {
		// InTx runs fn inside a transaction. The transaction commits when
		// fn returns nil and rolls back otherwise. Transactions from
		// concurrent callers serialize their observable effects.
		InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

		// ClaimDueCalls atomically claims up to limit scheduled calls that
		// are due (execute_at <= now) and unlocked (locked_until < now) by
		// advancing their locked_until to now+lease. Claimed calls are
		// invisible to other pollers until the lease expires.
		ClaimDueCalls(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*ScheduledCall, error)
	}
)
