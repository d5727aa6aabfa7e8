package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression and environment shape.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a value derived from the environment that is made
// available to every expression under name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean; otherwise, an error is returned.
// The caller's map is never modified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Run(expression, env)
	if err != nil {
		return false, err
	}
	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Run compiles (or reuses) and executes expression, returning its raw result.
func (e *ExprEvaluator) Run(expression string, env map[string]interface{}) (interface{}, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	scoped := e.scope(env)
	key := expression + "\x00" + signature(scoped)

	e.mu.RLock()
	program, ok := e.cache[key]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[key]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(scoped))
			if err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.cache[key] = program
		}
		e.mu.Unlock()
	}

	return expr.Run(program, scoped)
}

func (e *ExprEvaluator) scope(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	scoped := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		scoped[k] = v
	}
	for k, f := range e.optionsFunc {
		scoped[k] = f(env)
	}
	return scoped
}

// signature describes the key set and value types of env so that programs
// compiled against one shape are never run against another.
func signature(env map[string]interface{}) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%T;", k, env[k])
	}
	return b.String()
}
