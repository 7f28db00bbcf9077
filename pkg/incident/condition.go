package incident

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEngine compiles and caches CEL expressions over a signal map
// (error rates, cache health, deployment state, ...) the orchestrator
// assembles per evaluation tick, grounded on the platform's CEL-based
// policy evaluator: one shared environment, a per-expression program
// cache guarded by a RWMutex, and a cost limit so a pathological
// expression can't stall the evaluation loop.
type ConditionEngine struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func NewConditionEngine() (*ConditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("signals", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("incident: create CEL environment: %w", err)
	}
	return &ConditionEngine{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Evaluate compiles (or reuses a cached compile of) expr and runs it
// against signals, expecting a boolean result.
func (e *ConditionEngine) Evaluate(expr string, signals map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"signals": signals})
	if err != nil {
		return false, fmt.Errorf("incident: evaluate %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("incident: expression %q did not evaluate to a boolean", expr)
	}
	return result, nil
}

func (e *ConditionEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit := e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("incident: compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("incident: build program %q: %w", expr, err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
