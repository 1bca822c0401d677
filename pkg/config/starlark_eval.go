package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// DefaultMaxSteps bounds the work of one script run or predicate call.
const DefaultMaxSteps = 10_000_000

// StarlarkEvaluator runs user-supplied Starlark predicates, such as candidate
// filters of the form `def accept(c): ...`, under a timeout and a step budget.
// Scripts cannot print or load modules.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator returns an evaluator with the given per-run timeout,
// 30s when zero.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout, maxSteps: DefaultMaxSteps}
}

// Predicate is a compiled script function returning a bool.
type Predicate struct {
	se   *StarlarkEvaluator
	name string
	fn   starlark.Callable
}

// Predicate executes script once and binds its function fnName.
func (se *StarlarkEvaluator) Predicate(ctx context.Context, script, fnName string) (*Predicate, error) {
	var fn starlark.Callable
	err := se.run(ctx, func(thread *starlark.Thread) error {
		globals, err := starlark.ExecFile(thread, "filter.star", script, nil)
		if err != nil {
			return fmt.Errorf("starlark execution failed: %w", err)
		}
		var ok bool
		if fn, ok = globals[fnName].(starlark.Callable); !ok {
			return fmt.Errorf("script does not define function %s", fnName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Predicate{se: se, name: fnName, fn: fn}, nil
}

// Call applies the predicate to arg, which is passed as a dict.
func (p *Predicate) Call(ctx context.Context, arg map[string]interface{}) (bool, error) {
	sv, err := toStarlarkValue(arg)
	if err != nil {
		return false, fmt.Errorf("failed to convert argument: %w", err)
	}

	var accepted bool
	err = p.se.run(ctx, func(thread *starlark.Thread) error {
		out, err := starlark.Call(thread, p.fn, starlark.Tuple{sv}, nil)
		if err != nil {
			return fmt.Errorf("%s failed: %w", p.name, err)
		}
		b, ok := out.(starlark.Bool)
		if !ok {
			return fmt.Errorf("%s must return a bool, got %s", p.name, out.Type())
		}
		accepted = bool(b)
		return nil
	})
	return accepted, err
}

// EvalPredicate compiles script and calls fnName once with arg.
func (se *StarlarkEvaluator) EvalPredicate(ctx context.Context, script, fnName string, arg map[string]interface{}) (bool, error) {
	p, err := se.Predicate(ctx, script, fnName)
	if err != nil {
		return false, err
	}
	return p.Call(ctx, arg)
}

// run executes fn on a fresh thread, cancelling it when ctx or the timeout expires.
func (se *StarlarkEvaluator) run(ctx context.Context, fn func(*starlark.Thread) error) error {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "terradev-filter",
		Print: func(*starlark.Thread, string) {},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q) is not allowed", module)
		},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	done := make(chan error, 1)
	go func() { done <- fn(thread) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-done
		return fmt.Errorf("starlark execution timeout after %v", se.timeout)
	}
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
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
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
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
