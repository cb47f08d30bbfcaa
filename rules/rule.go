package rules

import (
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/expr-lang/expr"
)

// Evaluator evaluates an expression against a variable namespace.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (interface{}, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
//
// Programs are compiled once per expression text, without a typed environment,
// so the same program runs against any namespace. Names are resolved from the
// env map at run time.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Compile returns the cached program for expression, compiling it on first use.
func (e *ExprEvaluator) Compile(expression string) (*vm.Program, error) {
	// Check cache with read lock
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	// Compile with write lock
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate runs expression against env and returns its value.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	if env == nil {
		env = make(map[string]interface{})
	}
	program, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

// Cached reports how many distinct expressions have been compiled.
func (e *ExprEvaluator) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
