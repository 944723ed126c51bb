// Package auth defines the authentication contract shared by providers and
// their callers.
package auth

import (
	"context"

	"github.com/torosent/httpauth/internal/el"
)

// Identity is the authenticated principal. It never carries the password.
type Identity struct {
	Username string
}

// Result is the outcome of one authentication. A nil Identity means the
// caller is not authenticated; no reason is given.
type Result struct {
	Identity *Identity
}

// Authenticated returns a successful result for username.
func Authenticated(username string) Result {
	return Result{Identity: &Identity{Username: username}}
}

// Unauthenticated returns the failed result.
func Unauthenticated() Result {
	return Result{}
}

// IsAuthenticated reports whether r carries an identity.
func (r Result) IsAuthenticated() bool {
	return r.Identity != nil
}

func (r Result) String() string {
	if r.Identity == nil {
		return "unauthenticated"
	}
	return "authenticated(" + r.Identity.Username + ")"
}

// Handler receives the result of an authentication exactly once.
type Handler func(Result)

// Provider authenticates credentials asynchronously. Implementations never
// return errors; every failure is reported as Unauthenticated.
type Provider interface {
	Authenticate(username, password string, ec ExecutionContext, handler Handler)
}

// ExecutionContext is the request scope an authentication runs in.
type ExecutionContext interface {
	// Context carries cancellation and the caller's execution lane.
	Context() context.Context

	// TemplateEngine evaluates header, body and condition expressions.
	TemplateEngine() *el.Engine
}

type executionContext struct {
	ctx    context.Context
	engine *el.Engine
}

// NewExecutionContext pairs ctx with engine. A nil ctx becomes
// context.Background.
func NewExecutionContext(ctx context.Context, engine *el.Engine) ExecutionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &executionContext{ctx: el.NewContext(ctx, engine), engine: engine}
}

func (e *executionContext) Context() context.Context {
	return e.ctx
}

func (e *executionContext) TemplateEngine() *el.Engine {
	return e.engine
}
