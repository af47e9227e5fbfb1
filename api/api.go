// Package api exposes the engine's observable state over REST. It is a
// thin layer: every endpoint loads or mutates state through the engine, the
// workflow definition registry or the action service, and maps the error
// taxonomy to HTTP status codes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"goa.design/flow/actions"
	"goa.design/flow/engine"
	"goa.design/flow/engine/states"
	"goa.design/flow/flowerrors"
	"goa.design/flow/spec"
	"goa.design/flow/store"
	"goa.design/flow/telemetry"
)

type (
	// Service is the engine surface the API consumes. *engine.Engine
	// satisfies it.
	Service interface {
		StartWorkflow(ctx context.Context, name string, input map[string]any, params map[string]any) (*store.WorkflowExecution, error)
		OnTaskResult(ctx context.Context, taskID string, result engine.TaskResult) (*store.TaskExecution, error)
		PauseWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error)
		ResumeWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error)
		StopWorkflow(ctx context.Context, id string) (*store.WorkflowExecution, error)
		GetWorkflowExecution(ctx context.Context, id string) (*store.WorkflowExecution, error)
		GetTaskExecution(ctx context.Context, id string) (*store.TaskExecution, error)
		ListTaskExecutions(ctx context.Context, filter store.TaskFilter) ([]*store.TaskExecution, error)
	}

	// Options configures the API.
	Options struct {
		// Engine drives executions. Required.
		Engine Service
		// Definitions registers workflow definitions. Required.
		Definitions *spec.Registry
		// Actions manages action definitions. Required.
		Actions *actions.Service
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// API routes REST requests to the engine.
	API struct {
		engine      Service
		definitions *spec.Registry
		actions     *actions.Service
		log         telemetry.Logger
	}

	// Task is the REST resource of a task execution. Input and result are
	// serialized as JSON text.
	Task struct {
		ID                  string `json:"id"`
		Name                string `json:"name"`
		WorkflowExecutionID string `json:"workflow_execution_id"`
		State               string `json:"state"`
		StateInfo           string `json:"state_info,omitempty"`
		Input               string `json:"input,omitempty"`
		Result              string `json:"result,omitempty"`
		CreatedAt           string `json:"created_at"`
		UpdatedAt           string `json:"updated_at"`
	}

	// Execution is the REST resource of a workflow execution.
	Execution struct {
		ID           string `json:"id"`
		WorkflowName string `json:"workflow_name"`
		State        string `json:"state"`
		StateInfo    string `json:"state_info,omitempty"`
		Input        string `json:"input,omitempty"`
		Output       string `json:"output,omitempty"`
		CreatedAt    string `json:"created_at"`
		UpdatedAt    string `json:"updated_at"`
	}
)

// New creates the API.
func New(opts Options) (*API, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Definitions == nil {
		return nil, fmt.Errorf("definition registry is required")
	}
	if opts.Actions == nil {
		return nil, fmt.Errorf("action service is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &API{
		engine:      opts.Engine,
		definitions: opts.Definitions,
		actions:     opts.Actions,
		log:         log,
	}, nil
}

// Handler returns the HTTP handler serving the /v2 resources.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/v2", func(r chi.Router) {
		r.Get("/tasks", a.listTasks)
		r.Get("/tasks/{id}", a.getTask)
		r.Put("/tasks/{id}", a.putTask)

		r.Post("/executions", a.startExecution)
		r.Get("/executions/{id}", a.getExecution)
		r.Put("/executions/{id}", a.putExecution)
		r.Get("/executions/{id}/tasks", a.listExecutionTasks)

		r.Post("/workflows", a.createWorkflows)
		r.Put("/workflows", a.updateWorkflows)

		r.Post("/actions", a.createActions)
		r.Put("/actions", a.updateActions)
		r.Get("/actions", a.listActions)
	})
	return r
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.engine.ListTaskExecutions(r.Context(), store.TaskFilter{})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeTasks(w, r, tasks)
}

func (a *API) listExecutionTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.engine.ListTaskExecutions(r.Context(), store.TaskFilter{
		WorkflowExecutionID: chi.URLParam(r, "id"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeTasks(w, r, tasks)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.engine.GetTaskExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, taskView(task))
}

// putTask is the external completion channel: PUT with a terminal state and
// a JSON result text drives OnTaskResult. An ERROR state wraps the result
// as the error payload.
func (a *API) putTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State  string `json:"state"`
		Result string `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, r, flowerrors.Wrap(flowerrors.KindInvalidResult, err, "decode request body"))
		return
	}
	state := states.State(body.State)
	if state != states.Success && state != states.Error {
		a.writeError(w, r, flowerrors.Newf(flowerrors.KindInvalidResult,
			"state must be %s or %s", states.Success, states.Error))
		return
	}
	var payload any
	if body.Result != "" {
		if err := json.Unmarshal([]byte(body.Result), &payload); err != nil {
			a.writeError(w, r, flowerrors.Wrap(flowerrors.KindInvalidResult, err, "result must be valid JSON"))
			return
		}
	}
	var result engine.TaskResult
	if state == states.Error {
		result = engine.TaskResult{Error: payload}
	} else {
		result = engine.TaskResult{Data: payload}
	}
	task, err := a.engine.OnTaskResult(r.Context(), chi.URLParam(r, "id"), result)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, taskView(task))
}

func (a *API) startExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowName string         `json:"workflow_name"`
		Input        map[string]any `json:"input"`
		Params       map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, r, flowerrors.Wrap(flowerrors.KindInvalidInput, err, "decode request body"))
		return
	}
	ex, err := a.engine.StartWorkflow(r.Context(), body.WorkflowName, body.Input, body.Params)
	if err != nil && ex == nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusCreated, executionView(ex))
}

func (a *API) getExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := a.engine.GetWorkflowExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, executionView(ex))
}

// putExecution transitions the workflow state: PAUSED pauses, RUNNING
// resumes, ERROR stops.
func (a *API) putExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, r, flowerrors.Wrap(flowerrors.KindInvalidInput, err, "decode request body"))
		return
	}
	var (
		ex  *store.WorkflowExecution
		err error
	)
	id := chi.URLParam(r, "id")
	switch states.State(body.State) {
	case states.Paused:
		ex, err = a.engine.PauseWorkflow(r.Context(), id)
	case states.Running:
		ex, err = a.engine.ResumeWorkflow(r.Context(), id)
	case states.Error:
		ex, err = a.engine.StopWorkflow(r.Context(), id)
	default:
		err = flowerrors.Newf(flowerrors.KindInvalidInput, "unsupported state transition to %q", body.State)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, executionView(ex))
}

func (a *API) createWorkflows(w http.ResponseWriter, r *http.Request) {
	definition, ok := a.readDefinition(w, r)
	if !ok {
		return
	}
	wfs, err := a.definitions.Create(definition)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusCreated, workflowNames(wfs))
}

func (a *API) updateWorkflows(w http.ResponseWriter, r *http.Request) {
	definition, ok := a.readDefinition(w, r)
	if !ok {
		return
	}
	wfs, err := a.definitions.Update(definition)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, workflowNames(wfs))
}

func (a *API) createActions(w http.ResponseWriter, r *http.Request) {
	definition, ok := a.readDefinition(w, r)
	if !ok {
		return
	}
	defs, err := a.actions.Create(r.Context(), definition)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusCreated, actionNames(defs))
}

func (a *API) updateActions(w http.ResponseWriter, r *http.Request) {
	definition, ok := a.readDefinition(w, r)
	if !ok {
		return
	}
	defs, err := a.actions.CreateOrUpdate(r.Context(), definition)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, actionNames(defs))
}

func (a *API) listActions(w http.ResponseWriter, r *http.Request) {
	defs, err := a.actions.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"actions": defs})
}

// readDefinition reads the request body as a YAML definition document.
func (a *API) readDefinition(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Definition string `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, r, flowerrors.Wrap(flowerrors.KindInvalidInput, err, "decode request body"))
		return "", false
	}
	if body.Definition == "" {
		a.writeError(w, r, flowerrors.New(flowerrors.KindInvalidInput, "definition is required"))
		return "", false
	}
	return body.Definition, true
}

func (a *API) writeTasks(w http.ResponseWriter, r *http.Request, tasks []*store.TaskExecution) {
	views := make([]Task, len(tasks))
	for i, t := range tasks {
		views[i] = taskView(t)
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"tasks": views})
}

func (a *API) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error(r.Context(), "encode response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := flowerrors.HTTPCode(err)
	if status >= http.StatusInternalServerError {
		a.log.Error(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func taskView(t *store.TaskExecution) Task {
	return Task{
		ID:                  t.ID,
		Name:                t.Name,
		WorkflowExecutionID: t.WorkflowExecutionID,
		State:               string(t.State),
		StateInfo:           t.StateInfo,
		Input:               jsonText(t.Input),
		Result:              jsonText(t.Result),
		CreatedAt:           t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           t.UpdatedAt.Format(time.RFC3339),
	}
}

func executionView(ex *store.WorkflowExecution) Execution {
	return Execution{
		ID:           ex.ID,
		WorkflowName: ex.WorkflowName,
		State:        string(ex.State),
		StateInfo:    ex.StateInfo,
		Input:        jsonText(ex.Input),
		Output:       jsonText(ex.Output),
		CreatedAt:    ex.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    ex.UpdatedAt.Format(time.RFC3339),
	}
}

func jsonText(v any) string {
	if v == nil {
		return ""
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func workflowNames(wfs []*spec.Workflow) map[string]any {
	names := make([]string, len(wfs))
	for i, wf := range wfs {
		names[i] = wf.Name
	}
	return map[string]any{"workflows": names}
}

func actionNames(defs []*store.ActionDefinition) map[string]any {
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return map[string]any{"actions": names}
}
