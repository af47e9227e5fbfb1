// Package spec models parsed workflow definitions. A Workflow is the
// immutable, validated form of one YAML workflow; the engine embeds a
// snapshot of it into every execution.
package spec

import (
	"fmt"

	"goa.design/flow/flowerrors"
)

// Workflow types.
const (
	// TypeDirect is a forward edge-driven workflow: tasks list successors.
	TypeDirect = "direct"
	// TypeReverse is a goal-driven workflow: a target task pulls in its
	// transitive requirements.
	TypeReverse = "reverse"
)

// Sentinel edge targets of an on-* list: succeed and fail terminate the
// workflow, noop is ignored.
const (
	SentinelSucceed = "succeed"
	SentinelFail    = "fail"
	SentinelNoop    = "noop"
)

type (
	// Workflow is a parsed, validated workflow definition.
	Workflow struct {
		Name        string            `json:"name"`
		Type        string            `json:"type"`
		Description string            `json:"description,omitempty"`
		Input       []Param           `json:"input,omitempty"`
		Output      map[string]any    `json:"output,omitempty"`
		Tasks       map[string]*Task  `json:"tasks"`
		// TaskNames preserves declaration order.
		TaskNames    []string  `json:"task_names"`
		TaskDefaults *Policies `json:"task_defaults,omitempty"`
	}

	// Param is a declared workflow input parameter.
	Param struct {
		Name string `json:"name"`
		// Default is the value used when the caller omits the parameter.
		// Parameters without defaults are required.
		Default    any  `json:"default,omitempty"`
		HasDefault bool `json:"has_default"`
	}

	// Task is one named task of a workflow.
	Task struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		// Action names the action to run, e.g. "std.echo". Inline
		// "key=value" assignments from the action string land in Input.
		Action string `json:"action,omitempty"`
		// SubWorkflow names a workflow to run instead of an action.
		SubWorkflow string `json:"sub_workflow,omitempty"`
		// Input maps action parameter names to expressions.
		Input map[string]any `json:"input,omitempty"`
		// Publish maps context keys to expressions evaluated on success.
		Publish    map[string]any `json:"publish,omitempty"`
		OnSuccess  []EdgeTarget   `json:"on_success,omitempty"`
		OnError    []EdgeTarget   `json:"on_error,omitempty"`
		OnComplete []EdgeTarget   `json:"on_complete,omitempty"`
		// Requires lists tasks that must complete first (reverse workflows).
		Requires []string  `json:"requires,omitempty"`
		Join     *Join     `json:"join,omitempty"`
		Policies *Policies `json:"policies,omitempty"`
	}

	// EdgeTarget is one entry of an on-success/on-error/on-complete list:
	// a next task name (or sentinel) with an optional guard condition.
	EdgeTarget struct {
		Task      string `json:"task"`
		Condition string `json:"condition,omitempty"`
	}

	// Join describes how a task waits for multiple predecessors.
	Join struct {
		// All waits for every inbound arc to be satisfied.
		All bool `json:"all,omitempty"`
		// One activates on the first satisfied arc (discriminator).
		One bool `json:"one,omitempty"`
		// Count activates once at least Count arcs are satisfied (all
		// inbound arcs when there are fewer than Count).
		Count int `json:"count,omitempty"`
	}

	// Policies holds the per-task policy configuration. Zero values mean
	// "no policy".
	Policies struct {
		WaitBefore  int    `json:"wait_before,omitempty"`
		WaitAfter   int    `json:"wait_after,omitempty"`
		Retry       *Retry `json:"retry,omitempty"`
		Timeout     int    `json:"timeout,omitempty"`
		PauseBefore string `json:"pause_before,omitempty"`
		Concurrency int    `json:"concurrency,omitempty"`
	}

	// Retry configures automatic re-runs of a failed task.
	Retry struct {
		Count int `json:"count"`
		Delay int `json:"delay"`
		// BreakOn aborts remaining retries when it evaluates truthy
		// against the task's outbound context.
		BreakOn string `json:"break_on,omitempty"`
	}
)

// IsSentinel reports whether name is an edge sentinel.
func IsSentinel(name string) bool {
	return name == SentinelSucceed || name == SentinelFail || name == SentinelNoop
}

// Task returns the named task or a NotFound error.
func (w *Workflow) Task(name string) (*Task, error) {
	t, ok := w.Tasks[name]
	if !ok {
		return nil, flowerrors.Newf(flowerrors.KindNotFound, "task %q is not declared in workflow %q", name, w.Name)
	}
	return t, nil
}

// validate checks structural consistency of the workflow.
func (w *Workflow) validate() error {
	if w.Type != TypeDirect && w.Type != TypeReverse {
		return fmt.Errorf("workflow %q: unknown type %q", w.Name, w.Type)
	}
	if len(w.Tasks) == 0 {
		return fmt.Errorf("workflow %q: no tasks", w.Name)
	}
	for _, name := range w.TaskNames {
		t := w.Tasks[name]
		if t.Action != "" && t.SubWorkflow != "" {
			return fmt.Errorf("task %q: action and workflow are mutually exclusive", name)
		}
		for _, edges := range [][]EdgeTarget{t.OnSuccess, t.OnError, t.OnComplete} {
			for _, e := range edges {
				if IsSentinel(e.Task) {
					continue
				}
				if _, ok := w.Tasks[e.Task]; !ok {
					return fmt.Errorf("task %q: edge to undeclared task %q", name, e.Task)
				}
			}
		}
		for _, req := range t.Requires {
			if _, ok := w.Tasks[req]; !ok {
				return fmt.Errorf("task %q: requires undeclared task %q", name, req)
			}
		}
		if w.Type == TypeReverse && (len(t.OnSuccess)+len(t.OnError)+len(t.OnComplete)) > 0 {
			return fmt.Errorf("task %q: on-* edges are not allowed in reverse workflows", name)
		}
	}
	return nil
}

// EffectivePolicies resolves the task's policy configuration by falling back
// per policy to the workflow task defaults.
func (w *Workflow) EffectivePolicies(t *Task) Policies {
	var p Policies
	if t.Policies != nil {
		p = *t.Policies
	}
	d := w.TaskDefaults
	if d == nil {
		return p
	}
	if p.WaitBefore == 0 {
		p.WaitBefore = d.WaitBefore
	}
	if p.WaitAfter == 0 {
		p.WaitAfter = d.WaitAfter
	}
	if p.Retry == nil {
		p.Retry = d.Retry
	}
	if p.Timeout == 0 {
		p.Timeout = d.Timeout
	}
	if p.PauseBefore == "" {
		p.PauseBefore = d.PauseBefore
	}
	if p.Concurrency == 0 {
		p.Concurrency = d.Concurrency
	}
	return p
}
