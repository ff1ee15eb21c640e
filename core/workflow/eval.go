package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditions compiles step guards once and caches the programs.
type conditions struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditions() *conditions {
	return &conditions{cache: map[string]*vm.Program{}}
}

func conditionEnv() map[string]any {
	return map[string]any{"input": map[string]any{}, "steps": map[string]any{}}
}

func (c *conditions) compile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	program, ok := c.cache[expression]
	c.mu.RUnlock()
	if ok {
		return program, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if program, ok = c.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(conditionEnv()), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expression, err)
	}
	c.cache[expression] = program
	return program, nil
}

// eval runs a guard against the step scope. Blank guards are true.
func (c *conditions) eval(expression string, env map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, nil
	}
	program, err := c.compile(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("condition %q returned %T, want bool", expression, out)
	}
}
