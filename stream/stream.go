// Package stream defines the event sink the engine publishes workflow and
// task state transitions to. Sinks are best-effort observers: delivery
// failures are logged, never fed back into engine state.
package stream

import (
	"context"
	"time"

	"goa.design/flow/engine/states"
)

// Event types.
const (
	TypeWorkflowState = "workflow_state"
	TypeTaskState     = "task_state"
)

type (
	// Event is one state transition of a workflow or task execution.
	Event struct {
		// Type is TypeWorkflowState or TypeTaskState.
		Type string `json:"type"`
		// WorkflowExecutionID links the event to its execution.
		WorkflowExecutionID string `json:"workflow_execution_id"`
		// TaskExecutionID is set for task events.
		TaskExecutionID string `json:"task_execution_id,omitempty"`
		// Name is the workflow or task name.
		Name string `json:"name"`
		// State is the state entered.
		State states.State `json:"state"`
		// Timestamp records when the transition was published (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Sink receives engine events. Implementations must be safe for
	// concurrent Send calls.
	Sink interface {
		Send(ctx context.Context, event Event) error
		Close(ctx context.Context) error
	}

	// NoopSink discards all events.
	NoopSink struct{}
)

// Send implements Sink.
func (NoopSink) Send(context.Context, Event) error { return nil }

// Close implements Sink.
func (NoopSink) Close(context.Context) error { return nil }
