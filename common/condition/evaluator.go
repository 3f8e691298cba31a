// Package condition evaluates router predicates. Predicates are CEL
// expressions with the routed value bound as `value`, e.g. "value < 300"
// or "value == 'approved'".
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and caches predicate programs. Safe for concurrent
// use; graphs reuse a small set of expressions so the cache is unbounded.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates an evaluator with `value` declared as dyn
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs the predicate with value bound. Non-boolean results and
// compile errors are errors, not silent false.
func (e *Evaluator) Evaluate(expr string, value any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"value": value})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T, want bool", expr, out.Value())
	}
	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}
