package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/flow/scheduler"
	"goa.design/flow/store"
)

// Stable names used by durable scheduled calls. A call persisted by one
// process must resolve in any later process, so these never change.
const (
	// TargetEngine is the scheduled-call target of engine client methods.
	TargetEngine = "engine"
	// MethodRunTask invokes EngineClient.RunTask.
	MethodRunTask = "run_task"
	// MethodOnTaskResult invokes EngineClient.OnTaskResult.
	MethodOnTaskResult = "on_task_result"
	// MethodFailTaskIfIncomplete is the module-level timeout callback.
	MethodFailTaskIfIncomplete = "policies.fail_task_if_incomplete"
	// TaskResultSerializerName identifies the TaskResult serializer.
	TaskResultSerializerName = "engine.task_result"
	// DefaultClientName is the client name used by single-process
	// deployments.
	DefaultClientName = "engine"
)

// EngineClient is the stable boundary used by the API, action runners and
// scheduler callback targets to drive the engine.
type EngineClient interface {
	// StartWorkflow creates and starts a new workflow execution.
	StartWorkflow(ctx context.Context, name string, input map[string]any, params map[string]any) (*store.WorkflowExecution, error)

	// RunTask drives one task toward dispatch. Safe to repeat: it is a
	// no-op when the task is running or terminal.
	RunTask(ctx context.Context, taskID string) error

	// OnTaskResult consumes a task's result and advances the workflow.
	// Safe to repeat: a processed terminal task returns its current view.
	OnTaskResult(ctx context.Context, taskID string, result TaskResult) (*store.TaskExecution, error)

	// OnActionComplete locates the task owning the action invocation and
	// consumes the result.
	OnActionComplete(ctx context.Context, actionID string, result TaskResult) (*store.TaskExecution, error)

	// FailTaskIfIncomplete forces a timeout error on the task unless it
	// already reached a terminal state.
	FailTaskIfIncomplete(ctx context.Context, taskID string, timeout time.Duration) error

	PauseWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error)
	ResumeWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error)
	StopWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error)
}

// clientRegistry is the process-wide engine client registry. Scheduler
// targets store only a stable client name and resolve it here at
// invocation time, so durable calls created before a restart reach the
// client wired by the current process.
var clientRegistry = struct {
	mu      sync.RWMutex
	clients map[string]EngineClient
}{clients: make(map[string]EngineClient)}

// RegisterClient binds a client to a stable name. Typically called once at
// startup with DefaultClientName.
func RegisterClient(name string, c EngineClient) {
	clientRegistry.mu.Lock()
	defer clientRegistry.mu.Unlock()
	clientRegistry.clients[name] = c
}

// LookupClient resolves a registered engine client.
func LookupClient(name string) (EngineClient, error) {
	clientRegistry.mu.RLock()
	defer clientRegistry.mu.RUnlock()
	c, ok := clientRegistry.clients[name]
	if !ok {
		return nil, fmt.Errorf("no engine client registered under %q", name)
	}
	return c, nil
}

// RegisterTargets registers the engine's scheduler callback targets and the
// TaskResult serializer. clientName selects the engine client resolved when
// a call fires.
func RegisterTargets(targets *scheduler.TargetRegistry, serializers *scheduler.SerializerRegistry, clientName string) {
	serializers.Register(TaskResultSerializerName, TaskResultSerializer{})

	targets.Register(TargetEngine, MethodRunTask, func(ctx context.Context, args map[string]any) error {
		client, err := LookupClient(clientName)
		if err != nil {
			return err
		}
		taskID, err := stringArg(args, "task_id")
		if err != nil {
			return err
		}
		return client.RunTask(ctx, taskID)
	})

	targets.Register(TargetEngine, MethodOnTaskResult, func(ctx context.Context, args map[string]any) error {
		client, err := LookupClient(clientName)
		if err != nil {
			return err
		}
		taskID, err := stringArg(args, "task_id")
		if err != nil {
			return err
		}
		result, ok := args["result"].(TaskResult)
		if !ok {
			return fmt.Errorf("scheduled call arg %q is not a task result", "result")
		}
		_, err = client.OnTaskResult(ctx, taskID, result)
		return err
	})

	targets.Register("", MethodFailTaskIfIncomplete, func(ctx context.Context, args map[string]any) error {
		client, err := LookupClient(clientName)
		if err != nil {
			return err
		}
		taskID, err := stringArg(args, "task_id")
		if err != nil {
			return err
		}
		seconds, ok := args["timeout"].(float64)
		if !ok {
			if n, isInt := args["timeout"].(int); isInt {
				seconds = float64(n)
				ok = true
			}
		}
		if !ok {
			return fmt.Errorf("scheduled call arg %q is not a number", "timeout")
		}
		return client.FailTaskIfIncomplete(ctx, taskID, time.Duration(seconds*float64(time.Second)))
	})
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("scheduled call arg %q is missing or not a string", name)
	}
	return v, nil
}
