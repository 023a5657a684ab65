package scopetree

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scopetree/scopetree/internal/goid"
)

// ErrStacksAttached is returned by Close when goroutines attached and
// never detached.
var ErrStacksAttached = errors.New("stacks still attached at close")

type (
	// Process is the process-wide registry that hands out per-goroutine
	// stacks and holds the shared configuration. There is deliberately no
	// package-level instance: the application creates one handle and
	// threads it into the code it instruments.
	//
	// The configuration is relaxed on purpose: SetEnabled, SetFlushPolicy
	// and SetCallback are last-writer-wins and take effect only for stacks
	// attached afterwards, with no ordering guarantee against concurrent
	// attaches. Racing a config change against new work is already
	// non-deterministic from the caller's point of view, so the hot path
	// is not taxed to order it.
	Process struct {
		id        uuid.UUID
		clock     Clock
		logger    zerolog.Logger
		startWall uint64

		enabled atomic.Bool
		period  atomic.Uint64
		cb      atomic.Value

		mu     sync.Mutex
		stacks map[int64]*stackEntry
	}

	stackEntry struct {
		stack *Stack
		refs  int
	}

	// callbackBox keeps the stored concrete type of the callback value
	// constant for atomic.Value.
	callbackBox struct {
		cb Callback
	}

	// Option configures a Process at creation.
	Option func(*Process)
)

// WithEnabled turns recording on or off. Off is the default: an
// un-enabled process hands out no-op scopes at near-zero cost.
func WithEnabled(v bool) Option {
	return func(p *Process) {
		p.enabled.Store(v)
	}
}

// WithFlushPolicy sets the policy snapshotted by stacks at attach.
// FlushNever is the default.
func WithFlushPolicy(fp FlushPolicy) Option {
	return func(p *Process) {
		p.period.Store(fp.periodCPUNS)
	}
}

// WithCallback sets the consumer of finished frames. Nil restores the
// discarding default.
func WithCallback(cb Callback) Option {
	return func(p *Process) {
		p.storeCallback(cb)
	}
}

// WithClock substitutes the timestamp source for the process lifetime.
// Tests inject deterministic clocks through it.
func WithClock(c Clock) Option {
	return func(p *Process) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger for cold-path diagnostics such as leaked
// stacks at Close. The default discards.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Process) {
		p.logger = logger
	}
}

// NewProcess creates a process handle. The zero configuration records
// nothing: enable recording with WithEnabled or SetEnabled and hand
// finished frames somewhere with WithCallback.
func NewProcess(opts ...Option) *Process {
	p := &Process{
		id:     uuid.New(),
		clock:  systemClock{},
		logger: zerolog.Nop(),
		stacks: make(map[int64]*stackEntry),
	}
	p.storeCallback(NopCallback{})
	for _, opt := range opts {
		opt(p)
	}
	p.startWall = p.clock.WallNow()
	return p
}

// ID identifies the process handle in traces and exports.
func (p *Process) ID() uuid.UUID {
	return p.id
}

// StartWallNS anchors relative timestamps in exports.
func (p *Process) StartWallNS() uint64 {
	return p.startWall
}

// Enabled reports whether stacks attached now would record.
func (p *Process) Enabled() bool {
	return p.enabled.Load()
}

// SetEnabled flips recording for stacks attached afterwards.
func (p *Process) SetEnabled(v bool) {
	p.enabled.Store(v)
}

// Policy returns the flush policy stacks attached now would snapshot.
func (p *Process) Policy() FlushPolicy {
	return FlushPolicy{periodCPUNS: p.period.Load()}
}

// SetFlushPolicy changes the policy for stacks attached afterwards.
func (p *Process) SetFlushPolicy(fp FlushPolicy) {
	p.period.Store(fp.periodCPUNS)
}

// SetCallback changes the consumer for stacks attached afterwards. Nil
// restores the discarding default.
func (p *Process) SetCallback(cb Callback) {
	p.storeCallback(cb)
}

func (p *Process) storeCallback(cb Callback) {
	if cb == nil {
		cb = NopCallback{}
	}
	p.cb.Store(callbackBox{cb: cb})
}

func (p *Process) callback() Callback {
	return p.cb.Load().(callbackBox).cb
}

// Attach registers the calling goroutine and returns its stack, creating
// it on first use. Attach nests: each call pairs with one Detach from the
// same goroutine, and the stack is torn down when the count reaches zero.
func (p *Process) Attach() *Stack {
	return p.attach(goid.Current(), true)
}

// Detach releases one Attach. The final release stops the root frame,
// delivers the remaining finished frames through OnStop and discards the
// stack; using it afterwards panics. Must run on the goroutine that
// attached.
func (p *Process) Detach() {
	id := goid.Current()

	p.mu.Lock()
	e, ok := p.stacks[id]
	if !ok {
		p.mu.Unlock()
		panic(fmt.Sprintf("scopetree: goroutine %d detached without attach", id))
	}
	e.refs--
	last := e.refs == 0
	if last {
		delete(p.stacks, id)
	}
	p.mu.Unlock()

	if last {
		e.stack.stop()
	}
}

// EnterScope opens a scope on the calling goroutine's stack, attaching it
// first when needed. The implicit attach counts once and is released with
// Detach like an explicit one. This variant resolves the goroutine ID on
// every call; hot paths should Attach once and use Stack.EnterScope.
func (p *Process) EnterScope(name string, opts ...ScopeOption) Scope {
	if !p.enabled.Load() {
		return Scope{}
	}
	return p.attach(goid.Current(), false).EnterScope(name, opts...)
}

// attach returns the goroutine's stack, creating and registering it when
// absent. bump increments the reference count of an existing entry; a
// created entry always starts at one.
func (p *Process) attach(id int64, bump bool) *Stack {
	p.mu.Lock()
	if e, ok := p.stacks[id]; ok {
		if bump {
			e.refs++
		}
		p.mu.Unlock()
		return e.stack
	}
	s := newStack(p, id)
	p.stacks[id] = &stackEntry{stack: s, refs: 1}
	p.mu.Unlock()

	// OnStart runs outside the registry lock, on the owning goroutine.
	if s.enabled {
		s.callback.OnStart(s)
	}
	return s
}

// FlushAll drains every registered stack's finished frames through
// OnBatch. Unlike policy-driven flushes the batches are delivered on the
// calling goroutine. Active frames are untouched.
func (p *Process) FlushAll() {
	p.mu.Lock()
	stacks := make([]*Stack, 0, len(p.stacks))
	for _, e := range p.stacks {
		stacks = append(stacks, e.stack)
	}
	p.mu.Unlock()

	for _, s := range stacks {
		if batch := s.flush(); len(batch) > 0 {
			s.callback.OnBatch(s, batch)
		}
	}
}

// Close verifies every attached goroutine detached. It logs each leaked
// stack and returns ErrStacksAttached if any remain; their frames are not
// delivered, because tearing a stack down from the wrong goroutine would
// violate the callback contract.
func (p *Process) Close() error {
	p.mu.Lock()
	n := len(p.stacks)
	for id, e := range p.stacks {
		p.logger.Warn().
			Int64("goroutine", id).
			Int("refs", e.refs).
			Str("stack", e.stack.Name()).
			Msg("stack still attached at close")
	}
	p.mu.Unlock()

	if n > 0 {
		return fmt.Errorf("%w: %d", ErrStacksAttached, n)
	}
	return nil
}
