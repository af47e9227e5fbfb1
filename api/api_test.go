package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flow/actions"
	"goa.design/flow/api"
	"goa.design/flow/engine"
	"goa.design/flow/engine/states"
	"goa.design/flow/expr"
	"goa.design/flow/scheduler"
	"goa.design/flow/spec"
	"goa.design/flow/store/memory"
)

// swallowRunner accepts every invocation and never reports back, leaving
// tasks RUNNING for the external completion channel to settle.
type swallowRunner struct{}

func (swallowRunner) Run(context.Context, engine.Invocation) error { return nil }

const wfSingleTask = `
version: '2.0'

wf:
  tasks:
    task1:
      action: std.echo output="pending"
      publish:
        result1: <% .task1 %>
`

func newServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	st := memory.New()
	defs := spec.NewRegistry()
	actionSvc, err := actions.NewService(actions.Options{Store: st})
	require.NoError(t, err)
	require.NoError(t, actionSvc.SeedSystemActions(context.Background()))

	targets := scheduler.NewTargetRegistry()
	serializers := scheduler.NewSerializerRegistry()
	sched, err := scheduler.New(scheduler.Options{
		Store: st, Targets: targets, Serializers: serializers,
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	eng, err := engine.New(engine.Options{
		Store:       st,
		Definitions: defs,
		Evaluator:   expr.NewJQ(),
		Actions:     actionSvc,
		Runner:      swallowRunner{},
		Scheduler:   sched,
	})
	require.NoError(t, err)
	clientName := "api-test-" + uuid.NewString()
	engine.RegisterClient(clientName, eng)
	engine.RegisterTargets(targets, serializers, clientName)

	svc, err := api.New(api.Options{Engine: eng, Definitions: defs, Actions: actionSvc})
	require.NoError(t, err)

	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)
	return server, eng
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func startExecution(t *testing.T, server *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, server.URL+"/v2/workflows",
		map[string]any{"definition": wfSingleTask})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	resp, body = doJSON(t, http.MethodPost, server.URL+"/v2/executions",
		map[string]any{"workflow_name": "wf"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body["id"].(string)
}

func TestPutTaskCompletesExternally(t *testing.T) {
	server, eng := newServer(t)
	exID := startExecution(t, server)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v2/executions/"+exID+"/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 1)
	task := tasks[0].(map[string]any)
	require.Equal(t, string(states.Running), task["state"])
	taskID := task["id"].(string)

	resp, body = doJSON(t, http.MethodPut, server.URL+"/v2/tasks/"+taskID,
		map[string]any{"state": "SUCCESS", "result": `"done externally"`})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, string(states.Success), body["state"])

	ex, err := eng.GetWorkflowExecution(context.Background(), exID)
	require.NoError(t, err)
	assert.Equal(t, states.Success, ex.State)
	assert.Equal(t, "done externally", ex.Output["result1"])
}

func TestPutTaskWrapsErrorResult(t *testing.T) {
	server, eng := newServer(t)
	exID := startExecution(t, server)

	_, body := doJSON(t, http.MethodGet, server.URL+"/v2/executions/"+exID+"/tasks", nil)
	taskID := body["tasks"].([]any)[0].(map[string]any)["id"].(string)

	resp, body := doJSON(t, http.MethodPut, server.URL+"/v2/tasks/"+taskID,
		map[string]any{"state": "ERROR", "result": `{"reason": "worker exploded"}`})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, string(states.Error), body["state"])

	ex, err := eng.GetWorkflowExecution(context.Background(), exID)
	require.NoError(t, err)
	assert.Equal(t, states.Error, ex.State)
	assert.Contains(t, ex.StateInfo, "worker exploded")
}

func TestPutTaskRejectsInvalidJSONResult(t *testing.T) {
	server, _ := newServer(t)
	exID := startExecution(t, server)

	_, body := doJSON(t, http.MethodGet, server.URL+"/v2/executions/"+exID+"/tasks", nil)
	taskID := body["tasks"].([]any)[0].(map[string]any)["id"].(string)

	resp, _ := doJSON(t, http.MethodPut, server.URL+"/v2/tasks/"+taskID,
		map[string]any{"state": "SUCCESS", "result": "not json"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, server.URL+"/v2/tasks/"+taskID,
		map[string]any{"state": "DELAYED"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTaskNotFound(t *testing.T) {
	server, _ := newServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v2/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, fmt.Sprint(body["error"]), "not found")
}

func TestCreateWorkflowsDuplicate(t *testing.T) {
	server, _ := newServer(t)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v2/workflows",
		map[string]any{"definition": wfSingleTask})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v2/workflows",
		map[string]any{"definition": wfSingleTask})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, server.URL+"/v2/workflows",
		map[string]any{"definition": wfSingleTask})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPauseAndResumeExecution(t *testing.T) {
	server, _ := newServer(t)
	exID := startExecution(t, server)

	resp, body := doJSON(t, http.MethodPut, server.URL+"/v2/executions/"+exID,
		map[string]any{"state": "PAUSED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(states.Paused), body["state"])

	resp, body = doJSON(t, http.MethodPut, server.URL+"/v2/executions/"+exID,
		map[string]any{"state": "RUNNING"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(states.Running), body["state"])

	resp, _ = doJSON(t, http.MethodPut, server.URL+"/v2/executions/"+exID,
		map[string]any{"state": "DELAYED"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAllTasks(t *testing.T) {
	server, _ := newServer(t)
	startExecution(t, server)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v2/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tasks"].([]any), 1)
}

func TestCreateActions(t *testing.T) {
	server, _ := newServer(t)

	definition := `
version: '2.0'

greet:
  base: std.echo
  input:
    - output
`
	resp, body := doJSON(t, http.MethodPost, server.URL+"/v2/actions",
		map[string]any{"definition": definition})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v2/actions",
		map[string]any{"definition": definition})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, server.URL+"/v2/actions",
		map[string]any{"definition": `
version: '2.0'

std.echo:
  base: std.noop
`})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "system actions are immutable")
}
