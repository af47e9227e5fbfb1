package states_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/flow/engine/states"
)

func TestIsTerminal(t *testing.T) {
	assert.True(t, states.IsTerminal(states.Success))
	assert.True(t, states.IsTerminal(states.Error))
	assert.False(t, states.IsTerminal(states.Idle))
	assert.False(t, states.IsTerminal(states.Running))
	assert.False(t, states.IsTerminal(states.Delayed))
	assert.False(t, states.IsTerminal(states.Paused))
}

func TestTaskTransitions(t *testing.T) {
	allowed := [][2]states.State{
		{states.Idle, states.Running},
		{states.Idle, states.Delayed},
		{states.Idle, states.Error},
		{states.Delayed, states.Running},
		{states.Delayed, states.Idle},
		{states.Running, states.Success},
		{states.Running, states.Error},
		{states.Running, states.Delayed},
	}
	for _, tr := range allowed {
		assert.True(t, states.IsValidTaskTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]states.State{
		{states.Success, states.Running},
		{states.Error, states.Running},
		{states.Success, states.Error},
		{states.Idle, states.Success},
	}
	for _, tr := range denied {
		assert.False(t, states.IsValidTaskTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	// Repeating an operation must stay a no-op.
	assert.True(t, states.IsValidTaskTransition(states.Running, states.Running))
}
