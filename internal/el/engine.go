package el

import (
	"context"
	"errors"
	"sync"
)

var errNoEvaluator = errors.New("template engine has no evaluator")

// TemplateContext holds the variables visible to expressions of one request.
// It is safe for concurrent use.
type TemplateContext struct {
	mu        sync.RWMutex
	variables map[string]any
}

// NewTemplateContext creates an empty TemplateContext.
func NewTemplateContext() *TemplateContext {
	return &TemplateContext{variables: make(map[string]any)}
}

// SetVariable binds name to value, replacing any previous binding.
func (c *TemplateContext) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variable returns the value bound to name.
func (c *TemplateContext) Variable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// RemoveVariable drops the binding for name.
func (c *TemplateContext) RemoveVariable(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.variables, name)
}

// Variables returns a copy of all bindings.
func (c *TemplateContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		result[k] = v
	}
	return result
}

// Engine evaluates templates against its TemplateContext.
type Engine struct {
	evaluator Evaluator
	tplCtx    *TemplateContext
}

// NewEngine creates an Engine with a fresh TemplateContext.
func NewEngine(evaluator Evaluator) *Engine {
	return &Engine{evaluator: evaluator, tplCtx: NewTemplateContext()}
}

// TemplateContext returns the variables the engine evaluates against.
func (e *Engine) TemplateContext() *TemplateContext {
	return e.tplCtx
}

// GetValue evaluates expr and returns the raw result.
func (e *Engine) GetValue(expr string) (any, error) {
	if e == nil || e.evaluator == nil {
		return nil, errNoEvaluator
	}
	return e.evaluator.Evaluate(expr, e.tplCtx.Variables())
}

// GetString evaluates expr and renders the result as text.
func (e *Engine) GetString(expr string) (string, error) {
	v, err := e.GetValue(expr)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// GetBool evaluates expr as a condition.
func (e *Engine) GetBool(expr string) (bool, error) {
	v, err := e.GetValue(expr)
	if err != nil {
		return false, err
	}
	return ToBool(v)
}

type contextKey struct{}

var engineKey = contextKey{}

// FromContext retrieves the template engine from the context.
// Returns nil if not found.
func FromContext(ctx context.Context) *Engine {
	if ctx == nil {
		return nil
	}
	if e, ok := ctx.Value(engineKey).(*Engine); ok {
		return e
	}
	return nil
}

// NewContext returns a new context with the template engine attached.
func NewContext(ctx context.Context, engine *Engine) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, engineKey, engine)
}
