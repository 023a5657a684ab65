package scopetree

import "context"

type stackKey struct{}

// NewContext returns a context carrying the stack, so request-scoped code
// can open scopes without threading the stack through every signature.
//
// The stack stays owner-only: code running on a different goroutine must
// attach its own stack instead of using the one found in the context.
func NewContext(ctx context.Context, s *Stack) context.Context {
	return context.WithValue(ctx, stackKey{}, s)
}

// StackFromContext returns the stack carried by ctx, or nil.
func StackFromContext(ctx context.Context) *Stack {
	s, _ := ctx.Value(stackKey{}).(*Stack)
	return s
}

// EnterScopeFromContext opens a scope on the context's stack. Without a
// stack in ctx it returns a no-op scope, so instrumented code behaves the
// same whether or not profiling is wired up above it.
func EnterScopeFromContext(ctx context.Context, name string, opts ...ScopeOption) Scope {
	s := StackFromContext(ctx)
	if s == nil {
		return Scope{}
	}
	return s.EnterScope(name, opts...)
}
