package engine

import (
	"context"
	"fmt"
	"time"

	"goa.design/flow/engine/states"
	"goa.design/flow/expr"
	"goa.design/flow/spec"
	"goa.design/flow/store"
)

// Runtime context keys used by the policy pipeline. All policy bookkeeping
// lives in the task's runtime context so it persists with the task.
const (
	waitBeforeContextKey = "wait_before_policy"
	waitAfterContextKey  = "wait_after_policy"
	retryContextKey      = "retry_task_policy"
	pauseBeforeContextKey = "pause_before_policy"
	concurrencyContextKey = "concurrency"
)

type (
	// policy wraps a task with optional hooks running inside the engine's
	// transaction. Hooks may mutate the task state and runtime context;
	// a hook that parks the task in DELAYED stops the chain.
	policy interface {
		beforeTaskStart(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task) error
		afterTaskComplete(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task, result TaskResult) error
	}

	// noopPolicy provides default no-op hooks for policies that implement
	// only one side.
	noopPolicy struct{}

	waitBeforePolicy struct {
		noopPolicy
		e     *Engine
		delay time.Duration
	}

	waitAfterPolicy struct {
		noopPolicy
		e     *Engine
		delay time.Duration
	}

	retryPolicy struct {
		noopPolicy
		e       *Engine
		count   int
		delay   time.Duration
		breakOn string
	}

	timeoutPolicy struct {
		noopPolicy
		e     *Engine
		delay time.Duration
	}

	pauseBeforePolicy struct {
		noopPolicy
		e    *Engine
		expr string
	}

	concurrencyPolicy struct {
		noopPolicy
		concurrency int
	}
)

func (noopPolicy) beforeTaskStart(context.Context, store.Tx, *store.WorkflowExecution, *store.TaskExecution, *spec.Task) error {
	return nil
}

func (noopPolicy) afterTaskComplete(context.Context, store.Tx, *store.WorkflowExecution, *store.TaskExecution, *spec.Task, TaskResult) error {
	return nil
}

// buildPolicies constructs the policy chain for a task in the fixed order:
// wait before, wait after, retry, timeout, pause before, concurrency. Each
// policy falls back to the workflow task defaults when the task does not
// configure it; zero values mean "no policy".
func (e *Engine) buildPolicies(wf *spec.Workflow, ts *spec.Task) []policy {
	eff := wf.EffectivePolicies(ts)
	var policies []policy
	if eff.WaitBefore > 0 {
		policies = append(policies, &waitBeforePolicy{e: e, delay: seconds(eff.WaitBefore)})
	}
	if eff.WaitAfter > 0 {
		policies = append(policies, &waitAfterPolicy{e: e, delay: seconds(eff.WaitAfter)})
	}
	if r := eff.Retry; r != nil && r.Count > 0 {
		policies = append(policies, &retryPolicy{e: e, count: r.Count, delay: seconds(r.Delay), breakOn: r.BreakOn})
	}
	if eff.Timeout > 0 {
		policies = append(policies, &timeoutPolicy{e: e, delay: seconds(eff.Timeout)})
	}
	if eff.PauseBefore != "" {
		policies = append(policies, &pauseBeforePolicy{e: e, expr: eff.PauseBefore})
	}
	if eff.Concurrency > 0 {
		policies = append(policies, &concurrencyPolicy{concurrency: eff.Concurrency})
	}
	return policies
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// policyContext returns the named bag inside the task's runtime context,
// creating it if needed.
func policyContext(task *store.TaskExecution, key string) map[string]any {
	if task.RuntimeContext == nil {
		task.RuntimeContext = make(map[string]any)
	}
	bag, ok := task.RuntimeContext[key].(map[string]any)
	if !ok {
		bag = make(map[string]any)
		task.RuntimeContext[key] = bag
	}
	return bag
}

// beforeTaskStart delays each dispatch, including retried ones. The skip
// flag marks the pending callback: when the delayed run_task fires, the
// flag is cleared and the task proceeds.
func (p *waitBeforePolicy) beforeTaskStart(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task) error {
	bag := policyContext(task, waitBeforeContextKey)
	if expr.Truthy(bag["skip"]) {
		delete(bag, "skip")
		p.e.logTaskTransition(ctx, task, states.Running)
		task.State = states.Running
		return nil
	}
	bag["skip"] = true
	p.e.logTaskDelay(ctx, task, p.delay)
	task.State = states.Delayed
	return p.e.scheduler.ScheduleCall(ctx, tx, TargetEngine, MethodRunTask, p.delay, nil,
		map[string]any{"task_id": task.ID})
}

// afterTaskComplete delays successor evaluation. The original result rides
// in the scheduled-call args so the re-entry does not re-read it from the
// store.
func (p *waitAfterPolicy) afterTaskComplete(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task, result TaskResult) error {
	bag := policyContext(task, waitAfterContextKey)
	if expr.Truthy(bag["skip"]) {
		delete(bag, "skip")
		return nil
	}
	bag["skip"] = true
	p.e.logTaskDelay(ctx, task, p.delay)
	task.State = states.Delayed
	return p.e.scheduler.ScheduleCall(ctx, tx, TargetEngine, MethodOnTaskResult, p.delay,
		map[string]string{"result": TaskResultSerializerName},
		map[string]any{"task_id": task.ID, "result": result})
}

// afterTaskComplete re-runs a failed task while retry budget remains and
// the break-on expression stays falsy. The retry counter is removed on
// read, so it is absent once the task settles in a terminal state.
func (p *retryPolicy) afterTaskComplete(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task, result TaskResult) error {
	if !result.IsError() {
		return nil
	}
	bag := policyContext(task, retryContextKey)
	retryNo := 0
	if n, ok := bag["retry_no"]; ok {
		retryNo = intValue(n)
		delete(bag, "retry_no")
	}
	retriesRemain := retryNo+1 < p.count

	breakEarly := false
	if p.breakOn != "" && task.Result != nil {
		v, err := p.e.evaluator.Evaluate(ctx, p.breakOn, outboundContext(task))
		if err != nil {
			return err
		}
		breakEarly = expr.Truthy(v)
	}

	if !retriesRemain || breakEarly {
		return nil
	}

	p.e.logTaskDelay(ctx, task, p.delay)
	task.State = states.Delayed
	bag["retry_no"] = retryNo + 1
	return p.e.scheduler.ScheduleCall(ctx, tx, TargetEngine, MethodRunTask, p.delay, nil,
		map[string]any{"task_id": task.ID})
}

// beforeTaskStart schedules the forced-error callback. If the task is not
// terminal when it fires, the engine injects a synthetic timeout result.
func (p *timeoutPolicy) beforeTaskStart(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task) error {
	err := p.e.scheduler.ScheduleCall(ctx, tx, "", MethodFailTaskIfIncomplete, p.delay, nil,
		map[string]any{"task_id": task.ID, "timeout": p.delay.Seconds()})
	if err != nil {
		return err
	}
	p.e.log.Info(ctx, "timeout check scheduled", "task_id", task.ID, "timeout", p.delay)
	return nil
}

// beforeTaskStart parks the workflow when the pause expression evaluates
// truthy against the task's in-context. The skip flag lets a resumed task
// pass through without re-evaluating the expression.
func (p *pauseBeforePolicy) beforeTaskStart(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task) error {
	bag := policyContext(task, pauseBeforeContextKey)
	if expr.Truthy(bag["skip"]) {
		delete(bag, "skip")
		return nil
	}
	v, err := p.e.evaluator.Evaluate(ctx, p.expr, task.InContext)
	if err != nil {
		return err
	}
	if !expr.Truthy(v) {
		return nil
	}
	bag["skip"] = true
	p.e.log.Info(ctx, "workflow paused before task",
		"workflow_execution_id", ex.ID, "task", task.Name)
	ex.State = states.Paused
	task.State = states.Idle
	return nil
}

// beforeTaskStart records the concurrency cap in the runtime context. The
// engine consults it when deciding whether a dispatch must be parked.
func (p *concurrencyPolicy) beforeTaskStart(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, ts *spec.Task) error {
	if task.RuntimeContext == nil {
		task.RuntimeContext = make(map[string]any)
	}
	task.RuntimeContext[concurrencyContextKey] = p.concurrency
	return nil
}

// concurrencyCap returns the cap recorded by the concurrency policy.
func concurrencyCap(task *store.TaskExecution) (int, bool) {
	if task.RuntimeContext == nil {
		return 0, false
	}
	v, ok := task.RuntimeContext[concurrencyContextKey]
	if !ok {
		return 0, false
	}
	n := intValue(v)
	return n, n > 0
}

// outboundContext is the data a break-on expression evaluates against: the
// task result when it is a map, otherwise the result wrapped under
// "result".
func outboundContext(task *store.TaskExecution) map[string]any {
	if m, ok := task.Result.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": task.Result}
}

// intValue widens the numeric shapes JSON round trips produce.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (e *Engine) logTaskDelay(ctx context.Context, task *store.TaskExecution, delay time.Duration) {
	e.log.Info(ctx, fmt.Sprintf("task %q [%s -> %s, delay = %s]", task.Name, task.State, states.Delayed, delay),
		"task_id", task.ID)
}

func (e *Engine) logTaskTransition(ctx context.Context, task *store.TaskExecution, to states.State) {
	e.log.Info(ctx, fmt.Sprintf("task %q [%s -> %s]", task.Name, task.State, to),
		"task_id", task.ID)
}
