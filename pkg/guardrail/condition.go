package guardrail

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Conditions compiles and evaluates rule conditions against the action
// context. Compiled programs are cached by expression; the cache is shared
// across all rules so identical conditions in different packs compile once.
type Conditions struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewConditions builds the CEL environment rule conditions evaluate in.
// The variables mirror ActionContext.celInput.
func NewConditions() (*Conditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("subject", cel.DynType),
		cel.Variable("probable_cause", cel.BoolType),
		cel.Variable("consent", cel.DynType),
		cel.Variable("miranda_given", cel.BoolType),
		cel.Variable("prior_contacts", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("guardrail: condition environment: %w", err)
	}
	return &Conditions{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Compile type-checks an expression and warms the program cache. Pack
// loading uses this to reject bad conditions before they reach the engine.
func (c *Conditions) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

// Eval runs a condition against a prepared input map. The result must be a
// boolean; anything else is an error, and errors fail closed at the engine.
func (c *Conditions) Eval(expr string, input map[string]any) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not produce a boolean", expr)
	}
	return val, nil
}

func (c *Conditions) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.prgCache[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.prgCache[expr] = prg
	return prg, nil
}
