package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// evalChoice runs a jq boolean expression against the run's Context and
// reports whether it matched.
//
// Grounded on pipeline_step_jq.go's JQStep: parse and compile at
// construction time (here, at rule-evaluation time since rules are small
// and run infrequently compared to an HTTP pipeline step), normalize the
// input through a JSON round trip so gojq never sees a Go type it does not
// understand, and take the first emitted value from the iterator.
func evalChoice(expr string, ctx *Context) (bool, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("workflow: choice expression %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return false, fmt.Errorf("workflow: compiling choice expression %q: %w", expr, err)
	}

	input, err := normalizeForJQ(map[string]any{
		"input":  ctx.Input,
		"global": ctx.Global,
		"vars":   ctx.Vars,
		"states": ctx.States,
	})
	if err != nil {
		return false, err
	}

	iter := code.RunWithContext(context.Background(), input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, fmt.Errorf("workflow: evaluating choice expression %q: %w", expr, err)
	}

	switch result := v.(type) {
	case bool:
		return result, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

// normalizeForJQ round-trips a Go value through JSON so gojq sees only the
// plain map[string]any/[]any/float64/string/bool/nil types it expects,
// matching pipeline_step_jq.go's normalizeForJQ.
func normalizeForJQ(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("workflow: normalizing jq input: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("workflow: normalizing jq input: %w", err)
	}
	return out, nil
}
