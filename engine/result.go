package engine

import (
	"encoding/json"
	"fmt"
)

// TaskResult is the outcome an action worker reports for one task. Exactly
// one of Data and Error is meaningful: a non-nil Error marks the result as
// a failure and carries the error payload.
type TaskResult struct {
	Data  any `json:"data,omitempty"`
	Error any `json:"error,omitempty"`
}

// ErrorResult builds a failed result with a formatted error message.
func ErrorResult(format string, args ...any) TaskResult {
	return TaskResult{Error: fmt.Sprintf(format, args...)}
}

// IsError reports whether the result marks a failure.
func (r TaskResult) IsError() bool { return r.Error != nil }

// Payload returns the value recorded as the task's raw result.
func (r TaskResult) Payload() any {
	if r.IsError() {
		return r.Error
	}
	return r.Data
}

// TaskResultSerializer converts TaskResult values to and from the textual
// form stored in scheduled-call args. Registered under
// TaskResultSerializerName so durable wait-after callbacks preserve the
// original result across restarts.
type TaskResultSerializer struct{}

// Marshal implements scheduler.Serializer.
func (TaskResultSerializer) Marshal(v any) (string, error) {
	r, ok := v.(TaskResult)
	if !ok {
		return "", fmt.Errorf("expected TaskResult, got %T", v)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Unmarshal implements scheduler.Serializer.
func (TaskResultSerializer) Unmarshal(s string) (any, error) {
	var r TaskResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, err
	}
	return r, nil
}
