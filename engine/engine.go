// Package engine implements the workflow execution core: the state
// machines of workflow and task executions, the policy pipeline wrapped
// around every task, the direct and reverse workflow handlers, and the
// dispatching of ready tasks to action runners.
//
// Every operation runs inside a single store transaction. Side effects
// that must not observe uncommitted state (action dispatch, sub-workflow
// starts, event publication) are collected during the transaction and run
// after it commits. State-machine guards make RunTask and OnTaskResult
// safe to repeat, which is what the scheduler's at-least-once delivery
// relies on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"goa.design/flow/actions"
	"goa.design/flow/engine/states"
	"goa.design/flow/expr"
	"goa.design/flow/flowerrors"
	"goa.design/flow/scheduler"
	"goa.design/flow/spec"
	"goa.design/flow/store"
	"goa.design/flow/stream"
	"goa.design/flow/telemetry"
)

type (
	// Options configures an Engine.
	Options struct {
		// Store is the transactional backend. Required.
		Store store.Store
		// Definitions resolves workflow names to specs. Required.
		Definitions *spec.Registry
		// Evaluator resolves templates against contexts. Required.
		Evaluator expr.Evaluator
		// Actions resolves action definitions. Required.
		Actions *actions.Service
		// Runner delivers action invocations to workers. Required.
		Runner Runner
		// Scheduler persists delayed calls. Required.
		Scheduler *scheduler.Scheduler
		// Sink receives state-transition events. Defaults to a no-op.
		Sink stream.Sink
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Engine orchestrates workflow executions.
	Engine struct {
		store       store.Store
		definitions *spec.Registry
		evaluator   expr.Evaluator
		actions     *actions.Service
		dispatcher  *dispatcher
		scheduler   *scheduler.Scheduler
		sink        stream.Sink
		log         telemetry.Logger
		metrics     telemetry.Metrics
	}

	// handler is the per-workflow-type strategy: which tasks start the
	// execution and what a task's completion activates.
	handler interface {
		initialTasks(ex *store.WorkflowExecution) ([]string, error)
		onTaskComplete(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, fx *effects) error
	}

	// effects collects work that must run only after the owning
	// transaction commits: action dispatches, sub-workflow starts, parent
	// notifications and event publication. dispatchErr records the first
	// synchronous dispatch failure so StartWorkflow can surface it to the
	// caller while the failed state still commits.
	effects struct {
		fns         []func(ctx context.Context)
		dispatchErr error
	}
)

var _ EngineClient = (*Engine)(nil)

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Definitions == nil:
		return nil, errors.New("definition registry is required")
	case opts.Evaluator == nil:
		return nil, errors.New("evaluator is required")
	case opts.Actions == nil:
		return nil, errors.New("action service is required")
	case opts.Runner == nil:
		return nil, errors.New("runner is required")
	case opts.Scheduler == nil:
		return nil, errors.New("scheduler is required")
	}
	e := &Engine{
		store:       opts.Store,
		definitions: opts.Definitions,
		evaluator:   opts.Evaluator,
		actions:     opts.Actions,
		scheduler:   opts.Scheduler,
		sink:        opts.Sink,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if e.sink == nil {
		e.sink = stream.NoopSink{}
	}
	if e.log == nil {
		e.log = telemetry.NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = telemetry.NoopMetrics{}
	}
	e.dispatcher = newDispatcher(opts.Actions, opts.Runner, e.log)
	return e, nil
}

func (e *Engine) handler(wf *spec.Workflow) handler {
	if wf.Type == spec.TypeReverse {
		return &reverseHandler{e: e}
	}
	return &directHandler{e: e}
}

// StartWorkflow implements EngineClient. It validates the input against the
// declared parameters, snapshots the definition into a new execution and
// activates the initial task set. A synchronous dispatch failure of an
// initial task commits the failed state and is returned to the caller.
func (e *Engine) StartWorkflow(ctx context.Context, name string, input map[string]any, params map[string]any) (*store.WorkflowExecution, error) {
	return e.startWorkflow(ctx, name, input, params, "")
}

func (e *Engine) startWorkflow(ctx context.Context, name string, input map[string]any, params map[string]any, parentTaskID string) (*store.WorkflowExecution, error) {
	wf, err := e.definitions.Get(name)
	if err != nil {
		return nil, err
	}
	effInput, err := wf.ValidateInput(input)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ex := &store.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowName:    name,
		Spec:            wf,
		Input:           input,
		Context:         cloneContext(effInput),
		State:           states.Running,
		StartParams:     params,
		TaskExecutionID: parentTaskID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var fx effects
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateWorkflowExecution(ctx, ex); err != nil {
			return err
		}
		initial, err := e.handler(wf).initialTasks(ex)
		if err != nil {
			return err
		}
		for _, taskName := range initial {
			if err := e.createAndRunTask(ctx, tx, ex, taskName, &fx); err != nil {
				return err
			}
		}
		ex.UpdatedAt = time.Now().UTC()
		return tx.UpdateWorkflowExecution(ctx, ex)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.IncCounter("engine.workflows_started", 1, "workflow", name)
	e.log.Info(ctx, "workflow execution started",
		"workflow_execution_id", ex.ID, "workflow", name)
	fx.run(ctx)
	return ex, fx.dispatchErr
}

// RunTask implements EngineClient. It is a no-op when the task is already
// running or terminal, or the workflow is paused or terminal.
func (e *Engine) RunTask(ctx context.Context, taskID string) error {
	var fx effects
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err := e.getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		ex, err := tx.GetWorkflowExecution(ctx, task.WorkflowExecutionID)
		if err != nil {
			return err
		}
		if states.IsTerminal(ex.State) || ex.State == states.Paused {
			return nil
		}
		if err := e.runTaskTx(ctx, tx, ex, task, &fx); err != nil {
			return err
		}
		ex.UpdatedAt = time.Now().UTC()
		return tx.UpdateWorkflowExecution(ctx, ex)
	})
	if err != nil {
		return err
	}
	fx.run(ctx)
	return nil
}

// OnTaskResult implements EngineClient. Repeating a delivery for a
// processed terminal task returns the current view unchanged.
func (e *Engine) OnTaskResult(ctx context.Context, taskID string, result TaskResult) (*store.TaskExecution, error) {
	var (
		fx  effects
		out *store.TaskExecution
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err := e.getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		ex, err := tx.GetWorkflowExecution(ctx, task.WorkflowExecutionID)
		if err != nil {
			return err
		}
		if err := e.onTaskResultTx(ctx, tx, ex, task, result, &fx); err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.run(ctx)
	return out, nil
}

// OnActionComplete implements EngineClient.
func (e *Engine) OnActionComplete(ctx context.Context, actionID string, result TaskResult) (*store.TaskExecution, error) {
	var taskID string
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err := tx.GetTaskExecutionByActionID(ctx, actionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return flowerrors.Newf(flowerrors.KindNotFound, "no task owns action %q", actionID)
			}
			return err
		}
		taskID = task.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.OnTaskResult(ctx, taskID, result)
}

// FailTaskIfIncomplete implements EngineClient. The timeout policy
// schedules it at dispatch time.
func (e *Engine) FailTaskIfIncomplete(ctx context.Context, taskID string, timeout time.Duration) error {
	terminal := false
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err := e.getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		terminal = states.IsTerminal(task.State)
		return nil
	})
	if err != nil || terminal {
		return err
	}
	_, err = e.OnTaskResult(ctx, taskID,
		ErrorResult("Task timed out [task=%s, timeout(s)=%v]", taskID, timeout.Seconds()))
	return err
}

// PauseWorkflow implements EngineClient.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	var fx effects
	ex, err := e.updateWorkflow(ctx, id, func(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution) error {
		if ex.State != states.Running {
			return nil
		}
		ex.State = states.Paused
		e.emitWorkflowEvent(&fx, ex)
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.run(ctx)
	return ex, nil
}

// ResumeWorkflow implements EngineClient. Idle tasks whose policies parked
// them are re-driven.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	var fx effects
	ex, err := e.updateWorkflow(ctx, id, func(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution) error {
		if ex.State != states.Paused {
			return nil
		}
		ex.State = states.Running
		e.emitWorkflowEvent(&fx, ex)
		tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: ex.ID})
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.State != states.Idle {
				continue
			}
			if err := e.runTaskTx(ctx, tx, ex, task, &fx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	fx.run(ctx)
	return ex, nil
}

// StopWorkflow implements EngineClient. Running actions complete
// cooperatively: their late results settle the tasks into terminal states
// but drive no publication, policies or successors.
func (e *Engine) StopWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	var fx effects
	ex, err := e.updateWorkflow(ctx, id, func(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution) error {
		return e.finalizeWorkflowTx(ctx, tx, ex, states.Error, "workflow stopped by user", &fx)
	})
	if err != nil {
		return nil, err
	}
	fx.run(ctx)
	return ex, nil
}

// GetWorkflowExecution returns one execution.
func (e *Engine) GetWorkflowExecution(ctx context.Context, id string) (*store.WorkflowExecution, error) {
	var ex *store.WorkflowExecution
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ex, err = tx.GetWorkflowExecution(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return flowerrors.Newf(flowerrors.KindNotFound, "workflow execution %q not found", id)
		}
		return err
	})
	return ex, err
}

// GetTaskExecution returns one task execution.
func (e *Engine) GetTaskExecution(ctx context.Context, id string) (*store.TaskExecution, error) {
	var task *store.TaskExecution
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		task, err = e.getTask(ctx, tx, id)
		return err
	})
	return task, err
}

// ListTaskExecutions lists task executions, optionally scoped to one
// workflow execution.
func (e *Engine) ListTaskExecutions(ctx context.Context, filter store.TaskFilter) ([]*store.TaskExecution, error) {
	var tasks []*store.TaskExecution
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		tasks, err = tx.ListTaskExecutions(ctx, filter)
		return err
	})
	return tasks, err
}

// createAndRunTask creates a task execution in IDLE with the current
// context snapshot and immediately drives it.
func (e *Engine) createAndRunTask(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, name string, fx *effects) error {
	if _, err := ex.Spec.Task(name); err != nil {
		return err
	}
	now := time.Now().UTC()
	task := &store.TaskExecution{
		ID:                  uuid.NewString(),
		Name:                name,
		WorkflowExecutionID: ex.ID,
		InContext:           cloneContext(ex.Context),
		State:               states.Idle,
		RuntimeContext:      make(map[string]any),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := tx.CreateTaskExecution(ctx, task); err != nil {
		return err
	}
	return e.runTaskTx(ctx, tx, ex, task, fx)
}

// runTaskTx drives one task toward dispatch inside the caller's
// transaction. Policies run first and may park the task; the concurrency
// cap may hold it IDLE; otherwise inputs are resolved and the invocation
// is handed to the dispatcher after commit.
func (e *Engine) runTaskTx(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, fx *effects) error {
	if states.IsTerminal(task.State) || task.State == states.Running || states.IsTerminal(ex.State) {
		return nil
	}
	ts, err := ex.Spec.Task(task.Name)
	if err != nil {
		return err
	}

	for _, p := range e.buildPolicies(ex.Spec, ts) {
		if err := p.beforeTaskStart(ctx, tx, ex, task, ts); err != nil {
			return err
		}
		if task.State == states.Delayed || ex.State == states.Paused {
			task.UpdatedAt = time.Now().UTC()
			return tx.UpdateTaskExecution(ctx, task)
		}
	}

	if limit, ok := concurrencyCap(task); ok {
		running, err := e.countRunning(ctx, tx, ex.ID, task.Name)
		if err != nil {
			return err
		}
		if running >= limit {
			task.State = states.Idle
			task.UpdatedAt = time.Now().UTC()
			return tx.UpdateTaskExecution(ctx, task)
		}
	}

	input, err := expr.EvaluateMap(ctx, e.evaluator, ts.Input, task.InContext)
	if err != nil {
		return e.dispatchFailureTx(ctx, tx, ex, task, err, fx)
	}
	task.Input = input

	if ts.SubWorkflow != "" {
		return e.dispatchSubWorkflow(ctx, tx, ex, task, ts.SubWorkflow, input, fx)
	}

	actionName := ts.Action
	if actionName == "" {
		actionName = actions.Noop
	}
	resolved, err := e.dispatcher.resolve(ctx, tx, actionName, input)
	if err != nil {
		if invalidAction(err) {
			return e.dispatchFailureTx(ctx, tx, ex, task, err, fx)
		}
		return err
	}

	task.ActionID = uuid.NewString()
	e.logTaskTransition(ctx, task, states.Running)
	task.State = states.Running
	task.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateTaskExecution(ctx, task); err != nil {
		return err
	}
	e.emitTaskEvent(fx, ex, task)

	inv := Invocation{
		ActionID:            task.ActionID,
		TaskExecutionID:     task.ID,
		WorkflowExecutionID: ex.ID,
		Action:              resolved.Name,
		Input:               input,
	}
	fx.add(func(ctx context.Context) {
		if err := e.dispatcher.run(ctx, inv); err != nil {
			e.log.Error(ctx, "action dispatch failed", "task_id", inv.TaskExecutionID, "err", err)
			if _, rerr := e.OnTaskResult(ctx, inv.TaskExecutionID, TaskResult{Error: err.Error()}); rerr != nil {
				e.log.Error(ctx, "record dispatch failure", "task_id", inv.TaskExecutionID, "err", rerr)
			}
		}
	})
	e.metrics.IncCounter("engine.tasks_dispatched", 1, "task", task.Name)
	return nil
}

// dispatchSubWorkflow marks the task running and starts the child
// execution after commit. The child's terminal state feeds back through
// OnTaskResult against this task.
func (e *Engine) dispatchSubWorkflow(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, workflow string, input map[string]any, fx *effects) error {
	task.ActionID = uuid.NewString()
	e.logTaskTransition(ctx, task, states.Running)
	task.State = states.Running
	task.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateTaskExecution(ctx, task); err != nil {
		return err
	}
	e.emitTaskEvent(fx, ex, task)

	taskID := task.ID
	fx.add(func(ctx context.Context) {
		if _, err := e.startWorkflow(ctx, workflow, input, nil, taskID); err != nil {
			if _, rerr := e.OnTaskResult(ctx, taskID, TaskResult{Error: err.Error()}); rerr != nil {
				e.log.Error(ctx, "record sub-workflow failure", "task_id", taskID, "err", rerr)
			}
		}
	})
	return nil
}

// dispatchFailureTx records a synchronous dispatch failure as the task's
// result so the error propagates through the normal completion path, and
// keeps the error for the caller of the public operation.
func (e *Engine) dispatchFailureTx(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, cause error, fx *effects) error {
	if fx.dispatchErr == nil {
		fx.dispatchErr = cause
	}
	return e.onTaskResultTx(ctx, tx, ex, task, TaskResult{Error: cause.Error()}, fx)
}

// onTaskResultTx consumes a task result inside the caller's transaction:
// record the result, publish on success, run the after-completion policies
// (which may re-delay the task), then mark the task processed and let the
// handler activate successors or terminate the workflow.
func (e *Engine) onTaskResultTx(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, result TaskResult, fx *effects) error {
	if states.IsTerminal(task.State) && task.Processed {
		return nil
	}
	if states.IsTerminal(ex.State) {
		// The workflow already settled (sentinel, stop or failure). Record
		// the late result so the task reaches a terminal state, but drive
		// no publication, policies or successors.
		return e.settleLateResultTx(ctx, tx, ex, task, result, fx)
	}
	ts, err := ex.Spec.Task(task.Name)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	task.CompletedAt = &now
	if result.IsError() {
		e.logTaskTransition(ctx, task, states.Error)
		task.State = states.Error
		task.Result = result.Error
		task.StateInfo = fmt.Sprint(result.Error)
	} else {
		e.logTaskTransition(ctx, task, states.Success)
		task.State = states.Success
		task.Result = result.Data
		task.StateInfo = ""
		if err := e.publishTx(ctx, ex, task, ts, result); err != nil {
			return err
		}
	}

	for _, p := range e.buildPolicies(ex.Spec, ts) {
		if err := p.afterTaskComplete(ctx, tx, ex, task, ts, result); err != nil {
			return err
		}
		if task.State == states.Delayed {
			task.UpdatedAt = now
			if err := tx.UpdateTaskExecution(ctx, task); err != nil {
				return err
			}
			ex.UpdatedAt = now
			return tx.UpdateWorkflowExecution(ctx, ex)
		}
	}

	task.Processed = true
	task.UpdatedAt = now
	if err := tx.UpdateTaskExecution(ctx, task); err != nil {
		return err
	}
	e.emitTaskEvent(fx, ex, task)
	e.metrics.IncCounter("engine.tasks_completed", 1, "task", task.Name, "state", string(task.State))

	if err := e.handler(ex.Spec).onTaskComplete(ctx, tx, ex, task, fx); err != nil {
		return err
	}
	if err := e.redriveParked(ctx, tx, ex, task.Name, fx); err != nil {
		return err
	}
	ex.UpdatedAt = time.Now().UTC()
	return tx.UpdateWorkflowExecution(ctx, ex)
}

// settleLateResultTx records a result delivered after the workflow reached
// a terminal state.
func (e *Engine) settleLateResultTx(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, result TaskResult, fx *effects) error {
	if states.IsTerminal(task.State) {
		return nil
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	if result.IsError() {
		task.State = states.Error
		task.StateInfo = fmt.Sprint(result.Error)
	} else {
		task.State = states.Success
	}
	task.Result = result.Payload()
	task.Processed = true
	task.UpdatedAt = now
	if err := tx.UpdateTaskExecution(ctx, task); err != nil {
		return err
	}
	e.emitTaskEvent(fx, ex, task)
	return nil
}

// publishTx evaluates the task's publish expressions against the workflow
// context extended with the task's raw result and merges the outcome into
// the context. A failing publish expression fails the task.
func (e *Engine) publishTx(ctx context.Context, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task, result TaskResult) error {
	pubCtx := mergedContext(ex.Context, map[string]any{task.Name: result.Data})
	published, err := expr.EvaluateMap(ctx, e.evaluator, ts.Publish, pubCtx)
	if err != nil {
		e.logTaskTransition(ctx, task, states.Error)
		task.State = states.Error
		task.Result = err.Error()
		task.StateInfo = err.Error()
		return nil
	}
	task.Published = published
	if ex.Context == nil {
		ex.Context = make(map[string]any)
	}
	ex.Context[task.Name] = result.Data
	for k, v := range published {
		ex.Context[k] = v
	}
	return nil
}

// redriveParked re-runs IDLE executions of the given task name, freeing
// slots held by the concurrency cap.
func (e *Engine) redriveParked(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, name string, fx *effects) error {
	if states.IsTerminal(ex.State) {
		return nil
	}
	tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: ex.ID})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Name != name || t.State != states.Idle {
			continue
		}
		if err := e.runTaskTx(ctx, tx, ex, t, fx); err != nil {
			return err
		}
	}
	return nil
}

// finalizeWorkflowTx transitions the workflow to a terminal state, composes
// the output on success and notifies the parent task of a sub-workflow
// execution after commit.
func (e *Engine) finalizeWorkflowTx(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, state states.State, info string, fx *effects) error {
	if states.IsTerminal(ex.State) {
		return nil
	}
	ex.State = state
	ex.StateInfo = info
	ex.UpdatedAt = time.Now().UTC()
	if state == states.Success {
		output, err := e.composeOutput(ctx, tx, ex)
		if err != nil {
			ex.State = states.Error
			ex.StateInfo = err.Error()
		} else {
			ex.Output = output
		}
	}
	if err := tx.UpdateWorkflowExecution(ctx, ex); err != nil {
		return err
	}
	e.emitWorkflowEvent(fx, ex)
	e.metrics.IncCounter("engine.workflows_completed", 1,
		"workflow", ex.WorkflowName, "state", string(ex.State))
	e.log.Info(ctx, "workflow execution finished",
		"workflow_execution_id", ex.ID, "state", string(ex.State))

	if ex.TaskExecutionID != "" {
		parentID := ex.TaskExecutionID
		var result TaskResult
		if ex.State == states.Success {
			result = TaskResult{Data: ex.Output}
		} else {
			result = TaskResult{Error: ex.StateInfo}
		}
		fx.add(func(ctx context.Context) {
			if _, err := e.OnTaskResult(ctx, parentID, result); err != nil {
				e.log.Error(ctx, "notify parent task", "task_id", parentID, "err", err)
			}
		})
	}
	return nil
}

// composeOutput evaluates the declared output mapping against the final
// context. Without a declared mapping the output is the flat publish
// namespace plus each successful task's published map keyed by task name.
func (e *Engine) composeOutput(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution) (map[string]any, error) {
	if len(ex.Spec.Output) > 0 {
		return expr.EvaluateMap(ctx, e.evaluator, ex.Spec.Output, ex.Context)
	}
	tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: ex.ID})
	if err != nil {
		return nil, err
	}
	sortByCompletion(tasks)
	output := make(map[string]any)
	for _, t := range tasks {
		if t.State != states.Success || len(t.Published) == 0 {
			continue
		}
		for k, v := range t.Published {
			output[k] = v
		}
		output[t.Name] = t.Published
	}
	return output, nil
}

func (e *Engine) countRunning(ctx context.Context, tx store.Tx, executionID, name string) (int, error) {
	tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: executionID})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range tasks {
		if t.Name == name && t.State == states.Running {
			count++
		}
	}
	return count, nil
}

func (e *Engine) getTask(ctx context.Context, tx store.Tx, id string) (*store.TaskExecution, error) {
	task, err := tx.GetTaskExecution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, flowerrors.Newf(flowerrors.KindNotFound, "task execution %q not found", id)
		}
		return nil, err
	}
	return task, nil
}

func (e *Engine) updateWorkflow(ctx context.Context, id string, fn func(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution) error) (*store.WorkflowExecution, error) {
	var ex *store.WorkflowExecution
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ex, err = tx.GetWorkflowExecution(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return flowerrors.Newf(flowerrors.KindNotFound, "workflow execution %q not found", id)
			}
			return err
		}
		if err := fn(ctx, tx, ex); err != nil {
			return err
		}
		ex.UpdatedAt = time.Now().UTC()
		return tx.UpdateWorkflowExecution(ctx, ex)
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (fx *effects) add(fn func(ctx context.Context)) {
	fx.fns = append(fx.fns, fn)
}

func (fx *effects) run(ctx context.Context) {
	for _, fn := range fx.fns {
		fn(ctx)
	}
	fx.fns = nil
}

func (e *Engine) emitTaskEvent(fx *effects, ex *store.WorkflowExecution, task *store.TaskExecution) {
	event := stream.Event{
		Type:                stream.TypeTaskState,
		WorkflowExecutionID: ex.ID,
		TaskExecutionID:     task.ID,
		Name:                task.Name,
		State:               task.State,
		Timestamp:           time.Now().UTC(),
	}
	fx.add(func(ctx context.Context) {
		if err := e.sink.Send(ctx, event); err != nil {
			e.log.Warn(ctx, "publish task event", "task_id", event.TaskExecutionID, "err", err)
		}
	})
}

func (e *Engine) emitWorkflowEvent(fx *effects, ex *store.WorkflowExecution) {
	event := stream.Event{
		Type:                stream.TypeWorkflowState,
		WorkflowExecutionID: ex.ID,
		Name:                ex.WorkflowName,
		State:               ex.State,
		Timestamp:           time.Now().UTC(),
	}
	fx.add(func(ctx context.Context) {
		if err := e.sink.Send(ctx, event); err != nil {
			e.log.Warn(ctx, "publish workflow event", "workflow_execution_id", event.WorkflowExecutionID, "err", err)
		}
	})
}

// cloneContext copies a context map one level deep; nested values are
// shared, which is safe because the engine never mutates them in place.
func cloneContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergedContext overlays extra onto base without mutating either.
func mergedContext(base, extra map[string]any) map[string]any {
	out := cloneContext(base)
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func sortByCompletion(tasks []*store.TaskExecution) {
	sort.Slice(tasks, func(i, j int) bool { return after(tasks[j], tasks[i]) })
}
