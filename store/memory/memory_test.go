package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flow/engine/states"
	"goa.design/flow/store"
)

func inTx(t *testing.T, s *Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), fn))
}

func TestWorkflowExecutionCRUD(t *testing.T) {
	s := New()
	ex := &store.WorkflowExecution{
		ID:           "ex-1",
		WorkflowName: "wf",
		Context:      map[string]any{"k": "v"},
		State:        states.Running,
		CreatedAt:    time.Now().UTC(),
	}

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateWorkflowExecution(ctx, ex)
	})

	// Creating again collides.
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateWorkflowExecution(ctx, ex)
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetWorkflowExecution(ctx, "ex-1")
		require.NoError(t, err)
		assert.Equal(t, states.Running, got.State)

		// Mutating the returned copy does not leak into the store.
		got.Context["k"] = "mutated"
		again, err := tx.GetWorkflowExecution(ctx, "ex-1")
		require.NoError(t, err)
		assert.Equal(t, "v", again.Context["k"])
		return nil
	})

	err = s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetWorkflowExecution(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateWorkflowExecution(ctx, &store.WorkflowExecution{ID: "ex-1"}); err != nil {
			return err
		}
		if err := tx.CreateTaskExecution(ctx, &store.TaskExecution{ID: "t-1", WorkflowExecutionID: "ex-1"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetWorkflowExecution(ctx, "ex-1")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransactionReadsSeeStagedWrites(t *testing.T) {
	s := New()

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateTaskExecution(ctx, &store.TaskExecution{
			ID: "t-1", Name: "task1", WorkflowExecutionID: "ex-1", State: states.Idle,
		}); err != nil {
			return err
		}
		got, err := tx.GetTaskExecution(ctx, "t-1")
		require.NoError(t, err)
		got.State = states.Running
		if err := tx.UpdateTaskExecution(ctx, got); err != nil {
			return err
		}
		again, err := tx.GetTaskExecution(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, states.Running, again.State)

		tasks, err := tx.ListTaskExecutions(ctx, store.TaskFilter{WorkflowExecutionID: "ex-1"})
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
		return nil
	})
}

func TestGetTaskExecutionByActionID(t *testing.T) {
	s := New()

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateTaskExecution(ctx, &store.TaskExecution{
			ID: "t-1", WorkflowExecutionID: "ex-1", ActionID: "a-1",
		})
	})

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		task, err := tx.GetTaskExecutionByActionID(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, "t-1", task.ID)

		_, err = tx.GetTaskExecutionByActionID(ctx, "a-2")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
}

func TestClaimDueCalls(t *testing.T) {
	s := New()
	now := time.Now().UTC()

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, call := range []*store.ScheduledCall{
			{ID: "due-1", Method: "run_task", ExecuteAt: now.Add(-2 * time.Second)},
			{ID: "due-2", Method: "run_task", ExecuteAt: now.Add(-time.Second)},
			{ID: "future", Method: "run_task", ExecuteAt: now.Add(time.Hour)},
		} {
			if err := tx.CreateScheduledCall(ctx, call); err != nil {
				return err
			}
		}
		return nil
	})

	claimed, err := s.ClaimDueCalls(context.Background(), now, time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "due-1", claimed[0].ID, "oldest first")
	assert.Equal(t, "due-2", claimed[1].ID)

	// Claimed calls stay invisible until the lease expires.
	again, err := s.ClaimDueCalls(context.Background(), now, time.Minute, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	later, err := s.ClaimDueCalls(context.Background(), now.Add(2*time.Minute), time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, later, 1, "limit respected after lease expiry")
}

// TestTaskExecutionRoundTrip checks that any JSON-shaped task execution
// survives a create/get round trip unchanged.
func TestTaskExecutionRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("create then get returns an equivalent task", prop.ForAll(
		func(id string, name string, published map[string]string, processed bool) bool {
			if id == "" {
				return true
			}
			s := New()
			ctx := context.Background()

			task := &store.TaskExecution{
				ID:                  id,
				Name:                name,
				WorkflowExecutionID: "ex-1",
				Published:           widen(published),
				State:               states.Success,
				Processed:           processed,
			}
			if err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
				return tx.CreateTaskExecution(ctx, task)
			}); err != nil {
				return false
			}

			var got *store.TaskExecution
			if err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
				var err error
				got, err = tx.GetTaskExecution(ctx, id)
				return err
			}); err != nil {
				return false
			}
			if got.Name != name || got.Processed != processed || got.State != states.Success {
				return false
			}
			if len(got.Published) != len(published) {
				return false
			}
			for k, v := range published {
				if got.Published[k] != v {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.MapOf(gen.Identifier(), gen.AlphaString()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func widen(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
