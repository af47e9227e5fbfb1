package engine

import (
	"context"
	"fmt"

	"goa.design/flow/engine/states"
	"goa.design/flow/flowerrors"
	"goa.design/flow/store"
)

// reverseHandler drives goal-driven workflows: the start params name a
// goal task and the handler pulls in the transitive closure of its
// requires sets.
type reverseHandler struct {
	e *Engine
}

// goalTask resolves the goal task name from the start params.
func (h *reverseHandler) goalTask(ex *store.WorkflowExecution) (string, error) {
	name, _ := ex.StartParams["task_name"].(string)
	if name == "" {
		return "", flowerrors.Newf(flowerrors.KindInvalidInput,
			"reverse workflow %q requires a task_name start param", ex.WorkflowName)
	}
	if _, ok := ex.Spec.Tasks[name]; !ok {
		return "", flowerrors.Newf(flowerrors.KindInvalidInput,
			"task %q is not declared in workflow %q", name, ex.WorkflowName)
	}
	return name, nil
}

// closure returns the goal task and everything it transitively requires.
func (h *reverseHandler) closure(ex *store.WorkflowExecution, goal string) map[string]struct{} {
	result := make(map[string]struct{})
	stack := []string{goal}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := result[name]; seen {
			continue
		}
		result[name] = struct{}{}
		stack = append(stack, ex.Spec.Tasks[name].Requires...)
	}
	return result
}

// initialTasks returns the closure tasks with no requirements.
func (h *reverseHandler) initialTasks(ex *store.WorkflowExecution) ([]string, error) {
	goal, err := h.goalTask(ex)
	if err != nil {
		return nil, err
	}
	closure := h.closure(ex, goal)
	var initial []string
	for _, name := range ex.Spec.TaskNames {
		if _, ok := closure[name]; !ok {
			continue
		}
		if len(ex.Spec.Tasks[name].Requires) == 0 {
			initial = append(initial, name)
		}
	}
	if len(initial) == 0 {
		return nil, fmt.Errorf("workflow %q: no task in the closure of %q is free of requirements", ex.WorkflowName, goal)
	}
	return initial, nil
}

// onTaskComplete terminates on goal success or any required-task failure,
// and otherwise activates every closure task whose requirements are all
// satisfied.
func (h *reverseHandler) onTaskComplete(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, fx *effects) error {
	goal, err := h.goalTask(ex)
	if err != nil {
		return err
	}
	if task.State == states.Error {
		return h.e.finalizeWorkflowTx(ctx, tx, ex, states.Error,
			fmt.Sprintf("Failure caused by error in task %q: %v", task.Name, task.Result), fx)
	}
	if task.Name == goal {
		return h.e.finalizeWorkflowTx(ctx, tx, ex, states.Success, "", fx)
	}

	tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: ex.ID})
	if err != nil {
		return err
	}
	succeeded := make(map[string]struct{})
	created := make(map[string]struct{})
	for _, t := range tasks {
		created[t.Name] = struct{}{}
		if t.State == states.Success {
			succeeded[t.Name] = struct{}{}
		}
	}

	closure := h.closure(ex, goal)
	for _, name := range ex.Spec.TaskNames {
		if _, inClosure := closure[name]; !inClosure {
			continue
		}
		if _, exists := created[name]; exists {
			continue
		}
		ready := true
		for _, req := range ex.Spec.Tasks[name].Requires {
			if _, ok := succeeded[req]; !ok {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if err := h.e.createAndRunTask(ctx, tx, ex, name, fx); err != nil {
			return err
		}
	}
	return nil
}
