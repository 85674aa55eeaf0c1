package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultScriptTimeout bounds a script when the evaluator was built without one.
const DefaultScriptTimeout = 5 * time.Second

// PredicateGlobal is the global a predicate script must assign.
const PredicateGlobal = "passed"

// ErrScriptTimeout is returned when a script runs past its deadline.
var ErrScriptTimeout = errors.New("starlark execution timeout")

// StarlarkResult is the result of one script execution.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script ran.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`
}

// StarlarkEvaluator executes operator-supplied Starlark scripts in a sandbox
// without file system, network or print access.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes script with input bound as predeclared names and returns
// its globals. Globals starting with _ are private.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "smartpipe",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	type outcome struct {
		result *StarlarkResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := evaluateSync(thread, script, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("deadline exceeded")
		<-done
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         fmt.Sprintf("execution timeout after %v", se.timeout),
		}, ErrScriptTimeout
	case out := <-done:
		if out.err != nil {
			return &StarlarkResult{
				ExecutionTime: time.Since(startTime),
				Error:         out.err.Error(),
			}, out.err
		}
		out.result.ExecutionTime = time.Since(startTime)
		return out.result, nil
	}
}

// EvaluatePredicate runs a predicate script over the facts gathered by an
// outcome check. The facts are bound as the dict "facts" and the script must
// assign a bool to "passed".
func (se *StarlarkEvaluator) EvaluatePredicate(ctx context.Context, script string, facts map[string]string) (bool, error) {
	input := make(map[string]interface{}, len(facts))
	for k, v := range facts {
		input[k] = v
	}

	result, err := se.Evaluate(ctx, script, map[string]interface{}{"facts": input})
	if err != nil {
		return false, err
	}

	raw, ok := result.Output[PredicateGlobal]
	if !ok {
		return false, fmt.Errorf("predicate did not assign %q", PredicateGlobal)
	}
	passed, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q must be a bool, got %T", PredicateGlobal, raw)
	}
	return passed, nil
}

func evaluateSync(thread *starlark.Thread, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, "predicate.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{Output: output}, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
