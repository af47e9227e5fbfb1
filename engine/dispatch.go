package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"goa.design/flow/actions"
	"goa.design/flow/flowerrors"
	"goa.design/flow/store"
	"goa.design/flow/telemetry"
)

type (
	// Invocation is one action invocation handed to a runner. The runner
	// reports the outcome through EngineClient.OnActionComplete using the
	// ActionID.
	Invocation struct {
		ActionID            string         `json:"action_id"`
		TaskExecutionID     string         `json:"task_execution_id"`
		WorkflowExecutionID string         `json:"workflow_execution_id"`
		Action              string         `json:"action"`
		Input               map[string]any `json:"input,omitempty"`
	}

	// Runner delivers an invocation to an action worker and returns
	// immediately. The worker calls back into the engine when done.
	Runner interface {
		Run(ctx context.Context, inv Invocation) error
	}

	// dispatcher validates a ready task's action and hands the invocation
	// to the runner behind a circuit breaker, so a misbehaving worker
	// transport fails fast instead of piling up dispatches.
	dispatcher struct {
		actions *actions.Service
		runner  Runner
		breaker *gobreaker.CircuitBreaker
		log     telemetry.Logger
	}
)

func newDispatcher(svc *actions.Service, runner Runner, log telemetry.Logger) *dispatcher {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "action-runner",
		Timeout: 30 * time.Second,
	})
	return &dispatcher{actions: svc, runner: runner, breaker: breaker, log: log}
}

// resolve validates the action name and argument set within the engine's
// transaction. Failures are synchronous invalid-action errors.
func (d *dispatcher) resolve(ctx context.Context, tx store.Tx, actionName string, input map[string]any) (*actions.Resolved, error) {
	resolved, err := d.actions.Resolve(ctx, tx, actionName)
	if err != nil {
		return nil, err
	}
	if err := resolved.ValidateInput(input); err != nil {
		return nil, err
	}
	return resolved, nil
}

// run hands the invocation to the runner. Called after the owning
// transaction committed so the worker's callback sees the dispatched task.
func (d *dispatcher) run(ctx context.Context, inv Invocation) error {
	_, err := d.breaker.Execute(func() (any, error) {
		return nil, d.runner.Run(ctx, inv)
	})
	if err != nil {
		return fmt.Errorf("dispatch action %q: %w", inv.Action, err)
	}
	return nil
}

// LocalRunner executes builtin actions in-process. It resolves the engine
// client by name at callback time, which keeps construction free of
// ordering constraints: wire the runner first, register the client later.
type LocalRunner struct {
	// Actions resolves and executes action definitions. Required.
	Actions *actions.Service
	// Store resolves stored definitions at execution time. Required.
	Store store.Store
	// ClientName selects the engine client reported to. Defaults to
	// DefaultClientName.
	ClientName string
	// Logger defaults to a no-op.
	Logger telemetry.Logger
}

var _ Runner = (*LocalRunner)(nil)

// Run implements Runner. The action executes on its own goroutine and the
// outcome is delivered through OnActionComplete, mirroring a remote worker.
func (r *LocalRunner) Run(ctx context.Context, inv Invocation) error {
	if r.Actions == nil || r.Store == nil {
		return errors.New("local runner requires an action service and a store")
	}
	go func() {
		ctx := context.WithoutCancel(ctx)
		result := r.execute(ctx, inv)
		name := r.ClientName
		if name == "" {
			name = DefaultClientName
		}
		client, err := LookupClient(name)
		if err != nil {
			r.logError(ctx, inv, err)
			return
		}
		if _, err := client.OnActionComplete(ctx, inv.ActionID, result); err != nil {
			r.logError(ctx, inv, err)
		}
	}()
	return nil
}

func (r *LocalRunner) execute(ctx context.Context, inv Invocation) TaskResult {
	var resolved *actions.Resolved
	err := r.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		resolved, err = r.Actions.Resolve(ctx, tx, inv.Action)
		return err
	})
	if err != nil {
		return TaskResult{Error: err.Error()}
	}
	data, err := resolved.Execute(inv.Input)
	if err != nil {
		return TaskResult{Error: err.Error()}
	}
	return TaskResult{Data: data}
}

func (r *LocalRunner) logError(ctx context.Context, inv Invocation, err error) {
	log := r.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	log.Error(ctx, "local action runner callback failed",
		"action_id", inv.ActionID, "task_id", inv.TaskExecutionID, "err", err)
}

// invalidAction reports whether err is a synchronous dispatch failure the
// engine should feed back through the task result path.
func invalidAction(err error) bool {
	return flowerrors.IsKind(err, flowerrors.KindInvalidAction)
}
