// Package gateexpr evaluates boolean gate expressions for the trigger
// engine's GateExpr kind, using github.com/expr-lang/expr the same way
// the teacher's pkg/workflow/expression package uses it for conditional
// step gates — compile once, cache the program, run it against a plain
// map[string]any context.
package gateexpr

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
)

// Evaluator compiles and caches evaluate-gate expressions. Trigger
// expressions see the event payload, last result, and trigger metadata
// (via the vars built by the caller) rather than step/input context —
// there is no workflow-step DAG at gate-evaluation time, only the event
// that is about to be offered to one.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an Evaluator with an empty compile cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses a cached compile of) expression and runs
// it against ctx, requiring a boolean result. An empty expression
// defaults to true, matching the teacher's evaluator.
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, agerrors.Wrapf(err, "compiling gate expression %q", expression)
	}

	evalCtx := make(map[string]any, len(ctx)+2)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	evalCtx["has"] = containsFunc
	evalCtx["includes"] = containsFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return false, agerrors.Wrapf(err, "evaluating gate expression %q", expression)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("gate expression %q must return boolean, got %T", expression, result)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
	}
	prog, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// containsFunc reports whether a slice, map, or string contains an
// element/substring — kept almost verbatim from the teacher's
// pkg/workflow/expression.containsFunc, since it's a pure helper with no
// domain logic to adapt.
func containsFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		return v.MapIndex(reflect.ValueOf(target)).IsValid(), nil
	case reflect.String:
		str, sok := collection.(string)
		substr, tok := target.(string)
		if !sok || !tok {
			return false, nil
		}
		return len(substr) == 0 || containsSubstring(str, substr), nil
	default:
		return false, nil
	}
}

func containsSubstring(s, substr string) bool {
	if len(substr) > len(s) {
		return false
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
