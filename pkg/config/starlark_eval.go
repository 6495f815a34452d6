package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes deployment scripts with a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 10s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script with vars predeclared and returns its public globals
// converted to Go values.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, vars map[string]any) (map[string]any, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "homedeploy",
		Print: func(*starlark.Thread, string) {},
	}

	type outcome struct {
		globals map[string]any
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		globals, err := se.evaluateSync(thread, script, vars)
		done <- outcome{globals, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case out := <-done:
		return out.globals, out.err
	}
}

func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, script string, vars map[string]any) (map[string]any, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"input":  starlark.NewBuiltin("input", builtinInput(vars)),
	}
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, "deployment.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]any, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		// Helper functions defined by the script are not part of the result.
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return output, nil
}

// builtinInput looks a name up in the script inputs, with an optional default.
func builtinInput(vars map[string]any) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var def starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
			return nil, err
		}
		if v, ok := vars[name]; ok {
			return toStarlarkValue(v)
		}
		return def, nil
	}
}

func toStarlarkValue(v any) (starlark.Value, error) {
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
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (any, error) {
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
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
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
