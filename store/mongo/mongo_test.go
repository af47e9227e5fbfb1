package mongo_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/engine/states"
	"goa.design/flow/spec"
	"goa.design/flow/store"
	"goa.design/flow/store/mongo"
)

// newStore connects to the MongoDB deployment named by FLOW_MONGO_URI. The
// tests skip when the variable is unset so the suite stays runnable
// without infrastructure. Transactions require a replica set.
func newStore(t *testing.T) *mongo.Store {
	t.Helper()
	uri := os.Getenv("FLOW_MONGO_URI")
	if uri == "" {
		t.Skip("FLOW_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	s, err := mongo.New(ctx, mongo.Options{Client: client, Database: "flow_test_" + uuid.NewString()[:8]})
	require.NoError(t, err)
	return s
}

func TestWorkflowExecutionRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ex := &store.WorkflowExecution{
		ID:           uuid.NewString(),
		WorkflowName: "wf",
		Spec: &spec.Workflow{
			Name:      "wf",
			Type:      spec.TypeDirect,
			Tasks:     map[string]*spec.Task{"task1": {Name: "task1", Action: "std.noop"}},
			TaskNames: []string{"task1"},
		},
		Input:     map[string]any{"param1": "a"},
		Context:   map[string]any{"param1": "a", "nested": map[string]any{"n": float64(1)}},
		State:     states.Running,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateWorkflowExecution(ctx, ex)
	}))

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetWorkflowExecution(ctx, ex.ID)
		require.NoError(t, err)
		assert.Equal(t, ex.WorkflowName, got.WorkflowName)
		assert.Equal(t, ex.Context, got.Context)
		assert.Equal(t, ex.Spec.TaskNames, got.Spec.TaskNames)
		assert.Equal(t, states.Running, got.State)
		return nil
	}))
}

func TestTransactionRollback(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateWorkflowExecution(ctx, &store.WorkflowExecution{ID: id, State: states.Running}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetWorkflowExecution(ctx, id)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimDueCallsLeasing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateScheduledCall(ctx, &store.ScheduledCall{
			ID:        uuid.NewString(),
			Target:    "engine",
			Method:    "run_task",
			ExecuteAt: now.Add(-time.Second),
			Args:      map[string]any{"task_id": "t-1"},
			CreatedAt: now,
		})
	}))

	claimed, err := s.ClaimDueCalls(ctx, now, time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "run_task", claimed[0].Method)

	again, err := s.ClaimDueCalls(ctx, now, time.Minute, 0)
	require.NoError(t, err)
	assert.Empty(t, again)
}
