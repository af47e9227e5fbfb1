package engine

import (
	"context"
	"fmt"

	"goa.design/flow/engine/states"
	"goa.design/flow/expr"
	"goa.design/flow/spec"
	"goa.design/flow/store"
)

// directHandler drives forward edge-driven workflows: each task declares
// its successors through on-success/on-error/on-complete lists.
type directHandler struct {
	e *Engine
}

// initialTasks returns the tasks no other task points to.
func (h *directHandler) initialTasks(ex *store.WorkflowExecution) ([]string, error) {
	wf := ex.Spec
	inbound := make(map[string]struct{})
	for _, name := range wf.TaskNames {
		t := wf.Tasks[name]
		for _, edges := range [][]spec.EdgeTarget{t.OnSuccess, t.OnError, t.OnComplete} {
			for _, edge := range edges {
				if !spec.IsSentinel(edge.Task) {
					inbound[edge.Task] = struct{}{}
				}
			}
		}
	}
	var initial []string
	for _, name := range wf.TaskNames {
		if _, ok := inbound[name]; !ok {
			initial = append(initial, name)
		}
	}
	if len(initial) == 0 {
		return nil, fmt.Errorf("workflow %q has no initial tasks", wf.Name)
	}
	return initial, nil
}

// onTaskComplete resolves the task's outbound edges in order. Sentinels
// terminate the workflow at their textual position: entries after a matched
// fail or succeed are never evaluated.
func (h *directHandler) onTaskComplete(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, task *store.TaskExecution, fx *effects) error {
	ts, err := ex.Spec.Task(task.Name)
	if err != nil {
		return err
	}

	var candidates []spec.EdgeTarget
	if task.State == states.Success {
		candidates = append(candidates, ts.OnSuccess...)
	} else {
		candidates = append(candidates, ts.OnError...)
	}
	candidates = append(candidates, ts.OnComplete...)

	if task.State == states.Error && len(candidates) == 0 {
		return h.e.finalizeWorkflowTx(ctx, tx, ex, states.Error,
			fmt.Sprintf("Failure caused by error in task %q: %v", task.Name, task.Result), fx)
	}

	evalCtx := mergedContext(ex.Context, task.Published)
	activated := false
	for _, edge := range candidates {
		if edge.Condition != "" {
			v, err := h.e.evaluator.Evaluate(ctx, edge.Condition, evalCtx)
			if err != nil {
				return err
			}
			if !expr.Truthy(v) {
				continue
			}
		}
		switch edge.Task {
		case spec.SentinelSucceed:
			return h.e.finalizeWorkflowTx(ctx, tx, ex, states.Success, "", fx)
		case spec.SentinelFail:
			return h.e.finalizeWorkflowTx(ctx, tx, ex, states.Error,
				fmt.Sprintf("workflow failed by 'fail' sentinel of task %q", task.Name), fx)
		case spec.SentinelNoop:
			continue
		default:
			created, err := h.activate(ctx, tx, ex, edge.Task, fx)
			if err != nil {
				return err
			}
			activated = activated || created
		}
	}

	return h.checkComplete(ctx, tx, ex, activated, fx)
}

// activate creates and runs one successor. Join tasks are created at most
// once per execution and only when enough inbound arcs are satisfied;
// plain tasks get a fresh execution per activation so back-edges can loop.
func (h *directHandler) activate(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, name string, fx *effects) (bool, error) {
	target, err := ex.Spec.Task(name)
	if err != nil {
		return false, err
	}
	if target.Join != nil {
		tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: ex.ID})
		if err != nil {
			return false, err
		}
		for _, t := range tasks {
			if t.Name == name {
				return false, nil
			}
		}
		ready, err := h.joinReady(ctx, ex, target, tasks)
		if err != nil || !ready {
			return false, err
		}
	}
	if err := h.e.createAndRunTask(ctx, tx, ex, name, fx); err != nil {
		return false, err
	}
	return true, nil
}

// joinReady counts satisfied inbound arcs. An arc from predecessor p is
// satisfied when p's latest execution is terminal, its matching edge list
// applies to that terminal state, and the edge condition evaluates truthy.
func (h *directHandler) joinReady(ctx context.Context, ex *store.WorkflowExecution, target *spec.Task, tasks []*store.TaskExecution) (bool, error) {
	satisfied, total := 0, 0
	for _, predName := range ex.Spec.TaskNames {
		pred := ex.Spec.Tasks[predName]
		edges := edgesTo(pred, target.Name)
		if len(edges) == 0 {
			continue
		}
		total++
		predEx := latestByName(tasks, predName)
		if predEx == nil || !states.IsTerminal(predEx.State) {
			continue
		}
		ok, err := h.arcSatisfied(ctx, ex, pred, predEx, target.Name)
		if err != nil {
			return false, err
		}
		if ok {
			satisfied++
		}
	}
	switch {
	case target.Join.One:
		return satisfied >= 1, nil
	case target.Join.All:
		return total > 0 && satisfied == total, nil
	default:
		need := target.Join.Count
		if need > total {
			need = total
		}
		return total > 0 && satisfied >= need, nil
	}
}

// arcSatisfied checks the predecessor's matching edges to the join task
// against its latest terminal state.
func (h *directHandler) arcSatisfied(ctx context.Context, ex *store.WorkflowExecution, pred *spec.Task, predEx *store.TaskExecution, joinName string) (bool, error) {
	var edges []spec.EdgeTarget
	if predEx.State == states.Success {
		edges = append(edges, matchingEdges(pred.OnSuccess, joinName)...)
	} else {
		edges = append(edges, matchingEdges(pred.OnError, joinName)...)
	}
	edges = append(edges, matchingEdges(pred.OnComplete, joinName)...)

	evalCtx := mergedContext(ex.Context, predEx.Published)
	for _, edge := range edges {
		if edge.Condition == "" {
			return true, nil
		}
		v, err := h.e.evaluator.Evaluate(ctx, edge.Condition, evalCtx)
		if err != nil {
			return false, err
		}
		if expr.Truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

// checkComplete finalizes the workflow once no task remains runnable.
func (h *directHandler) checkComplete(ctx context.Context, tx store.Tx, ex *store.WorkflowExecution, activated bool, fx *effects) error {
	if activated || states.IsTerminal(ex.State) {
		return nil
	}
	tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: ex.ID})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !states.IsTerminal(t.State) {
			return nil
		}
	}
	return h.e.finalizeWorkflowTx(ctx, tx, ex, states.Success, "", fx)
}

// edgesTo returns every edge of t that targets name.
func edgesTo(t *spec.Task, name string) []spec.EdgeTarget {
	var all []spec.EdgeTarget
	for _, edges := range [][]spec.EdgeTarget{t.OnSuccess, t.OnError, t.OnComplete} {
		all = append(all, matchingEdges(edges, name)...)
	}
	return all
}

func matchingEdges(edges []spec.EdgeTarget, name string) []spec.EdgeTarget {
	var out []spec.EdgeTarget
	for _, e := range edges {
		if e.Task == name {
			out = append(out, e)
		}
	}
	return out
}

// latestByName returns the most recently created execution of the named
// task, preferring completion time, with ties broken by task ID.
func latestByName(tasks []*store.TaskExecution, name string) *store.TaskExecution {
	var latest *store.TaskExecution
	for _, t := range tasks {
		if t.Name != name {
			continue
		}
		if latest == nil || after(t, latest) {
			latest = t
		}
	}
	return latest
}

func after(a, b *store.TaskExecution) bool {
	switch {
	case a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt):
		return a.CompletedAt.After(*b.CompletedAt)
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.After(b.CreatedAt)
	default:
		return a.ID > b.ID
	}
}
