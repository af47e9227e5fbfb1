package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flow/engine"
	"goa.design/flow/engine/states"
)

const wfWaitBefore = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output="ok"
      policies:
        wait-before: 1
`

func TestWaitBeforePolicy(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	env.createWorkflows(wfWaitBefore)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	// The first dispatch parks the task until the scheduled run_task fires.
	task1 := env.taskByName(ex.ID, "task1")
	assert.Equal(t, states.Delayed, task1.State)

	env.awaitState(ex.ID, states.Success)
	task1 = env.taskByName(ex.ID, "task1")
	assert.Equal(t, states.Success, task1.State)

	// The skip flag is cleared by the delayed re-entry.
	bag, _ := task1.RuntimeContext["wait_before_policy"].(map[string]any)
	assert.Empty(t, bag["skip"])
}

const wfWaitBeforeZero = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output="ok"
      policies:
        wait-before: 0
`

func TestWaitBeforeZeroMeansNoPolicy(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	env.createWorkflows(wfWaitBeforeZero)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Success)
	_, hasBag := env.taskByName(ex.ID, "task1").RuntimeContext["wait_before_policy"]
	assert.False(t, hasBag)
}

const wfWaitAfter = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output=1
      publish:
        result1: <% .task1 %>
      policies:
        wait-after: 1
      on-success:
        - task2

    task2:
      action: std.echo output="<% .result1 %>!"
      publish:
        result2: <% .task2 %>
`

func TestWaitAfterPolicy(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	env.createWorkflows(wfWaitAfter)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Success)

	// The successor only ran after the delayed re-delivery, with the
	// original result preserved through the scheduled-call args.
	assert.Equal(t, map[string]any{"result2": "1!"},
		env.taskByName(ex.ID, "task2").Published)
}

const wfRetry = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output="never"
      policies:
        retry:
          count: 3
          delay: 0
`

func TestRetryPolicyExhaustsBudget(t *testing.T) {
	env, runner := newTestEnv(t, func(engine.Invocation) (engine.TaskResult, bool) {
		return engine.TaskResult{Error: "boom"}, true
	})
	env.createWorkflows(wfRetry)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Error)

	require.Eventually(t, func() bool {
		return runner.dispatches("std.echo") == 3
	}, 10*time.Second, 10*time.Millisecond)
	// Give a stray extra dispatch a chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, runner.dispatches("std.echo"))

	// The retry counter is removed once the task settles.
	task1 := env.taskByName(ex.ID, "task1")
	assert.Equal(t, states.Error, task1.State)
	bag, _ := task1.RuntimeContext["retry_task_policy"].(map[string]any)
	assert.NotContains(t, bag, "retry_no")
}

const wfRetryCountOne = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output="never"
      policies:
        retry:
          count: 1
          delay: 0
`

func TestRetryCountOneMeansSingleAttempt(t *testing.T) {
	env, runner := newTestEnv(t, func(engine.Invocation) (engine.TaskResult, bool) {
		return engine.TaskResult{Error: "boom"}, true
	})
	env.createWorkflows(wfRetryCountOne)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Error)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.dispatches("std.echo"))
}

const wfRetryBreakOn = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output="never"
      policies:
        retry:
          count: 5
          delay: 0
          break-on: <% .result == "fatal" %>
`

func TestRetryPolicyBreakOn(t *testing.T) {
	env, runner := newTestEnv(t, func(engine.Invocation) (engine.TaskResult, bool) {
		return engine.TaskResult{Error: "fatal"}, true
	})
	env.createWorkflows(wfRetryBreakOn)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Error)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.dispatches("std.echo"))
}

const wfRetryThenSuccess = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output="eventually"
      publish:
        result1: <% .task1 %>
      policies:
        retry:
          count: 5
          delay: 0
`

func TestRetryPolicyEventualSuccess(t *testing.T) {
	var attempts atomic.Int32
	env, _ := newTestEnv(t, func(inv engine.Invocation) (engine.TaskResult, bool) {
		if attempts.Add(1) < 3 {
			return engine.TaskResult{Error: "transient"}, true
		}
		return engine.TaskResult{Data: inv.Input["output"]}, true
	})
	env.createWorkflows(wfRetryThenSuccess)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Success)
	assert.Equal(t, map[string]any{"result1": "eventually"},
		env.taskByName(ex.ID, "task1").Published)
}

const wfTimeout = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output="slow"
      policies:
        timeout: 1
`

func TestTimeoutPolicy(t *testing.T) {
	env, _ := newTestEnv(t, func(engine.Invocation) (engine.TaskResult, bool) {
		return engine.TaskResult{}, false // the action never reports back
	})
	env.createWorkflows(wfTimeout)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Error)
	task1 := env.taskByName(ex.ID, "task1")
	assert.Equal(t, states.Error, task1.State)
	assert.Contains(t, task1.StateInfo, "Task timed out")
}

const wfPauseBefore = `
version: '2.0'

wf:
  type: direct
  input:
    - should_pause: true
  tasks:
    task1:
      action: std.echo output="ok"
      publish:
        result1: <% .task1 %>
      policies:
        pause-before: <% .should_pause %>
`

func TestPauseBeforePolicy(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	env.createWorkflows(wfPauseBefore)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, states.Paused, env.execution(ex.ID).State)
	assert.Equal(t, states.Idle, env.taskByName(ex.ID, "task1").State)

	_, err = env.engine.ResumeWorkflow(context.Background(), ex.ID)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Success)
	assert.Equal(t, states.Success, env.taskByName(ex.ID, "task1").State)
}

const wfConcurrency = `
version: '2.0'

wf:
  type: direct
  tasks:
    task1:
      action: std.echo output="go"
      on-complete:
        - task2
        - task2

    task2:
      action: std.echo output="work"
      policies:
        concurrency: 1
`

func TestConcurrencyPolicyParksSurplus(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	env.createWorkflows(wfConcurrency)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Success)

	var task2Count int
	for _, task := range env.tasks(ex.ID) {
		if task.Name == "task2" {
			task2Count++
			assert.Equal(t, states.Success, task.State)
			assert.Equal(t, float64(1), task.RuntimeContext["concurrency"])
		}
	}
	assert.Equal(t, 2, task2Count)
}

const wfTaskDefaults = `
version: '2.0'

wf:
  type: direct
  task-defaults:
    retry:
      count: 2
      delay: 0
  tasks:
    task1:
      action: std.echo output="never"
`

func TestTaskDefaultsApply(t *testing.T) {
	env, runner := newTestEnv(t, func(engine.Invocation) (engine.TaskResult, bool) {
		return engine.TaskResult{Error: "boom"}, true
	})
	env.createWorkflows(wfTaskDefaults)

	ex, err := env.engine.StartWorkflow(context.Background(), "wf", nil, nil)
	require.NoError(t, err)

	env.awaitState(ex.ID, states.Error)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, runner.dispatches("std.echo"))
}
