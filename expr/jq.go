package expr

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"goa.design/flow/flowerrors"
)

// templateRE matches one <% ... %> segment.
var templateRE = regexp.MustCompile(`<%\s*(.*?)\s*%>`)

// JQ evaluates templates with jq programs. A template like
//
//	<% .result1 %>,<% .result2 %>
//
// runs each segment against the data context and interpolates the results.
// Missing values interpolate as "None" so sparse join contexts render
// stable placeholders. Parsed programs are cached; JQ is safe for
// concurrent use.
type JQ struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Query
}

var _ Evaluator = (*JQ)(nil)

// NewJQ creates a jq-backed evaluator.
func NewJQ() *JQ {
	return &JQ{cache: make(map[string]*gojq.Query)}
}

// Evaluate implements Evaluator.
func (e *JQ) Evaluate(ctx context.Context, s string, data map[string]any) (any, error) {
	matches := templateRE.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	input, err := normalize(data)
	if err != nil {
		return nil, err
	}

	// A bare expression keeps the raw value type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return e.run(ctx, s[matches[0][2]:matches[0][3]], input)
	}

	var (
		b    strings.Builder
		prev int
	)
	for _, m := range matches {
		b.WriteString(s[prev:m[0]])
		v, err := e.run(ctx, s[m[2]:m[3]], input)
		if err != nil {
			return nil, err
		}
		b.WriteString(render(v))
		prev = m[1]
	}
	b.WriteString(s[prev:])
	return b.String(), nil
}

// run parses (or reuses) and executes a single jq program.
func (e *JQ) run(ctx context.Context, program string, input map[string]any) (any, error) {
	query, err := e.parse(program)
	if err != nil {
		return nil, err
	}
	iter := query.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, flowerrors.Wrap(flowerrors.KindExpression, err,
			fmt.Sprintf("evaluate expression %q", program))
	}
	return v, nil
}

func (e *JQ) parse(program string) (*gojq.Query, error) {
	e.mu.RLock()
	query, ok := e.cache[program]
	e.mu.RUnlock()
	if ok {
		return query, nil
	}
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.KindExpression, err,
			fmt.Sprintf("parse expression %q", program))
	}
	e.mu.Lock()
	e.cache[program] = query
	e.mu.Unlock()
	return query, nil
}

// normalize round-trips the context through JSON so jq sees only the value
// shapes it supports.
func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, flowerrors.Wrap(flowerrors.KindExpression, err, "normalize expression context")
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, flowerrors.Wrap(flowerrors.KindExpression, err, "normalize expression context")
	}
	return out, nil
}

// render formats an interpolated value. Missing values render as "None".
func render(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}
