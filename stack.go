package scopetree

import (
	"fmt"
	"sync"
)

type stackState uint8

const (
	stackActive stackState = iota
	stackStopped
)

// Stack owns the call tree of one goroutine: the active frames between
// enter and exit, and the finished frames awaiting delivery.
//
// EnterScope, Scope.Exit and Top are owner-only: only the goroutine that
// attached the stack may call them, which is what makes the tree-building
// path lock-free. Drain, Name and SetName are safe from any goroutine; the
// finished buffer has its own lock because an external poller may drain it
// while the owner keeps appending.
type Stack struct {
	id      int64
	process *Process

	// Configuration snapshot taken at attach time. Process-level changes
	// made afterwards never affect this stack.
	enabled  bool
	clock    Clock
	policy   FlushPolicy
	callback Callback

	// Owner-only tree state.
	state     stackState
	nextIndex uint64
	active    []Frame

	mu           sync.Mutex
	name         string
	finished     []Frame
	lastFlushCPU uint64
}

func newStack(p *Process, id int64) *Stack {
	s := &Stack{
		id:       id,
		process:  p,
		enabled:  p.enabled.Load(),
		clock:    p.clock,
		policy:   p.Policy(),
		callback: p.callback(),
		name:     fmt.Sprintf("goroutine-%d", id),
	}
	if !s.enabled {
		return s
	}
	// The synthetic root carries no name and is its own caller. It stays
	// active until detach so user frames always have a parent to link to.
	s.active = append(s.active, Frame{Index: RootIndex, CallerIndex: RootIndex})
	s.nextIndex = 1
	s.active[0].start(s.clock)
	s.lastFlushCPU = s.active[0].StartCPUNS
	return s
}

// ID returns the owning goroutine's ID.
func (s *Stack) ID() int64 {
	return s.id
}

// Process returns the process the stack is attached to.
func (s *Stack) Process() *Process {
	return s.process
}

// Epoch returns the process start wall timestamp, the zero point exporters
// subtract to make timestamps relative.
func (s *Stack) Epoch() uint64 {
	return s.process.startWall
}

// Name returns the stack's display name, "goroutine-<id>" by default.
func (s *Stack) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName labels the stack in traces and exports.
func (s *Stack) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Enabled reports whether the stack records frames. It reflects the
// process configuration at attach time, not the current one.
func (s *Stack) Enabled() bool {
	return s.enabled
}

// EnterScope opens a scope named name. Owner-only.
//
// The returned scope must be exited exactly once:
//
//	defer s.EnterScope("load", scopetree.WithSourceLoc(scopetree.Here())).Exit()
func (s *Stack) EnterScope(name string, opts ...ScopeOption) Scope {
	if !s.enabled {
		return Scope{}
	}
	var o scopeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return Scope{stack: s, index: s.enter(name, o)}
}

// Top returns a copy of the innermost active frame. With no user scope
// open that is the root frame. Owner-only.
func (s *Stack) Top() Frame {
	if s.state != stackActive {
		panic("scopetree: stack used after detach")
	}
	if !s.enabled {
		return Frame{}
	}
	return s.active[len(s.active)-1]
}

// Depth returns the number of user scopes currently open. Owner-only.
func (s *Stack) Depth() int {
	if s.state != stackActive {
		panic("scopetree: stack used after detach")
	}
	if !s.enabled {
		return 0
	}
	return len(s.active) - 1
}

// Drain removes and returns the finished frames without invoking the
// callback. A second drain with no completions in between returns nil.
func (s *Stack) Drain() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.finished
	s.finished = nil
	return batch
}

// enter appends a frame under the current top and starts it. Starting is
// the very last step so the measurement begins as control returns to the
// caller's code.
func (s *Stack) enter(name string, o scopeOptions) uint64 {
	if s.state != stackActive {
		panic("scopetree: stack used after detach")
	}
	index := s.nextIndex
	s.nextIndex++

	caller := &s.active[len(s.active)-1]
	s.active = append(s.active, Frame{
		Index:       index,
		CallerIndex: caller.Index,
		PrevIndex:   caller.LastChildIndex,
		Name:        name,
		Loc:         o.loc,
		Payload:     o.payload,
	})
	// caller may have been invalidated by the append; relink through the
	// slice, not the pointer.
	s.active[len(s.active)-2].LastChildIndex = index

	s.active[len(s.active)-1].start(s.clock)
	return index
}

// exit stops the top frame, moves it to the finished buffer and applies
// the flush policy. Stopping is the very first step so the measurement
// ends where the caller's code did.
func (s *Stack) exit(index uint64) {
	if s.state != stackActive {
		panic("scopetree: stack used after detach")
	}
	top := &s.active[len(s.active)-1]
	if top.Index != index {
		if top.IsRoot() {
			panic(fmt.Sprintf("scopetree: scope %d exited twice or without a matching enter", index))
		}
		panic(fmt.Sprintf("scopetree: scope %d exited while scope %d is still open", index, top.Index))
	}
	top.stop(s.clock)

	f := *top
	s.active = s.active[:len(s.active)-1]

	s.mu.Lock()
	s.finished = append(s.finished, f)
	var batch []Frame
	if s.policy.due(s.lastFlushCPU, f.StopCPUNS) {
		batch = s.finished
		s.finished = nil
		s.lastFlushCPU = f.StopCPUNS
	}
	s.mu.Unlock()

	if len(batch) > 0 {
		s.callback.OnBatch(s, batch)
	}
}

// flush drains the finished buffer and advances the flush epoch to the
// newest stop-CPU timestamp drained. Used by Process.FlushAll.
func (s *Stack) flush() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.finished
	s.finished = nil
	if n := len(batch); n > 0 {
		s.lastFlushCPU = batch[n-1].StopCPUNS
	}
	return batch
}

// stop exits the root frame, delivers everything left through OnStop and
// makes the stack unusable. Runs on the owner goroutine during the final
// detach.
func (s *Stack) stop() {
	if s.state != stackActive {
		panic("scopetree: stack detached twice")
	}
	if !s.enabled {
		s.state = stackStopped
		return
	}
	if n := len(s.active) - 1; n > 0 {
		panic(fmt.Sprintf("scopetree: %d scope(s) still open at detach", n))
	}

	root := &s.active[0]
	root.stop(s.clock)
	f := *root
	s.active = nil

	s.mu.Lock()
	s.finished = append(s.finished, f)
	batch := s.finished
	s.finished = nil
	s.mu.Unlock()

	s.state = stackStopped
	s.callback.OnStop(s, batch)
}
