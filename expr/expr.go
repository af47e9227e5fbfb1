// Package expr evaluates the <% ... %> templates embedded in workflow
// definitions. The engine treats contexts as opaque JSON; this package is
// the only component that looks inside them.
package expr

import (
	"context"
)

// Evaluator resolves one template string against a data context.
type Evaluator interface {
	// Evaluate resolves s against data. A string made of a single template
	// expression yields the raw expression value; mixed text and multiple
	// expressions interpolate into a string. Strings without templates are
	// returned unchanged.
	Evaluate(ctx context.Context, s string, data map[string]any) (any, error)
}

// EvaluateAny walks v and evaluates every string it contains. Maps and
// slices are rebuilt; other values pass through untouched.
func EvaluateAny(ctx context.Context, ev Evaluator, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return ev.Evaluate(ctx, val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			res, err := EvaluateAny(ctx, ev, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			res, err := EvaluateAny(ctx, ev, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

// EvaluateMap evaluates every value of m.
func EvaluateMap(ctx context.Context, ev Evaluator, m map[string]any, data map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := EvaluateAny(ctx, ev, m, data)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Truthy reports whether a condition result selects its edge. Nil, false,
// zero numbers, empty strings and empty collections are falsy; everything
// else is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}
