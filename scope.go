package scopetree

type (
	// Scope binds one enter/exit pair to a lexical scope. The zero Scope is
	// a no-op; disabled stacks hand it out so instrumented code needs no
	// enablement checks of its own.
	Scope struct {
		stack *Stack
		index uint64
	}

	scopeOptions struct {
		loc     SourceLoc
		payload any
	}

	// ScopeOption customizes a single scope.
	ScopeOption func(*scopeOptions)
)

// WithPayload attaches an opaque value to the scope's frame. The engine
// stores it and hands it back on delivery, nothing more.
func WithPayload(v any) ScopeOption {
	return func(o *scopeOptions) {
		o.payload = v
	}
}

// WithSourceLoc records where the scope was opened, typically Here().
func WithSourceLoc(loc SourceLoc) ScopeOption {
	return func(o *scopeOptions) {
		o.loc = loc
	}
}

// Exit closes the scope. Every scope must be exited exactly once, on the
// owning goroutine, after every scope entered inside it has exited:
//
//	defer stack.EnterScope("handle").Exit()
//
// Exiting out of order or twice panics; the zero Scope exits silently.
func (s Scope) Exit() {
	if s.stack == nil {
		return
	}
	s.stack.exit(s.index)
}
