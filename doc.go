// Package scopetree records opt-in call trees of instrumented code.
//
// Instrumented code wraps each region worth timing in a named scope. The
// engine keeps one Stack per goroutine and turns the nested enter/exit
// pairs into a tree of Frames, each carrying wall-clock and CPU-time
// nanosecond timestamps and index links to its caller and siblings.
// Finished frames are handed to a single Callback in batches, as dictated
// by the process-wide FlushPolicy, and at the latest when the goroutine
// detaches.
//
// Everything hangs off an explicit Process handle; there is no global
// state. Typical wiring:
//
//	p := scopetree.NewProcess(
//		scopetree.WithEnabled(true),
//		scopetree.WithCallback(recorder),
//	)
//
//	s := p.Attach()
//	defer p.Detach()
//
//	func load(s *scopetree.Stack) {
//		defer s.EnterScope("load", scopetree.WithSourceLoc(scopetree.Here())).Exit()
//		// timed work
//	}
//
// A disabled process hands out no-op scopes, so the instrumentation can
// ship in production builds and be switched on per deployment, for example
// through NewProcessFromEnv.
package scopetree
