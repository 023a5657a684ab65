package scopetree

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scopetree/scopetree/internal/testutil"
)

// testClock hands out strictly increasing readings: every WallNow advances
// the wall clock by wallStep, every CPUNow the CPU clock by cpuStep. Safe
// for concurrent use so cross-goroutine tests can share one instance.
type testClock struct {
	wall atomic.Uint64
	cpu  atomic.Uint64

	wallStep uint64
	cpuStep  uint64
}

func newTestClock(wallStep, cpuStep uint64) *testClock {
	return &testClock{wallStep: wallStep, cpuStep: cpuStep}
}

func (c *testClock) WallNow() uint64 { return c.wall.Add(c.wallStep) }
func (c *testClock) CPUNow() uint64  { return c.cpu.Add(c.cpuStep) }

func mustPanic(t *testing.T, want string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("no panic, want one containing %q", want)
		}
		if msg := fmt.Sprint(r); !strings.Contains(msg, want) {
			t.Fatalf("panic %q, want it to contain %q", msg, want)
		}
	}()
	fn()
}

// TestStackBuildsTree walks a handler that queries once and retries the
// query's attempt, with one item processed per attempt:
//
//	root
//	  handle
//	    query
//	      attempt [item]
//	      attempt [item]
//
// and checks every link and timestamp of the recorded trace. The clock
// steps by 10 wall / 1 CPU per reading, so expected values are exact.
func TestStackBuildsTree(t *testing.T) {
	rec := NewRecorder()
	p := NewProcess(
		WithEnabled(true),
		WithCallback(rec),
		WithClock(newTestClock(10, 1)),
	)

	s := p.Attach()
	handle := s.EnterScope("handle")
	query := s.EnterScope("query")
	for i := 0; i < 2; i++ {
		attempt := s.EnterScope("attempt")
		item := s.EnterScope("item")
		item.Exit()
		attempt.Exit()
	}
	query.Exit()
	handle.Exit()
	p.Detach()

	if rec.Len() != 1 {
		t.Fatalf("recorded %d traces, want 1", rec.Len())
	}
	trace := rec.Traces()[0]
	if err := trace.Validate(); err != nil {
		t.Fatalf("trace does not validate: %v", err)
	}

	want := Trace{
		ProcessID:   p.ID(),
		StackID:     s.ID(),
		StackName:   fmt.Sprintf("goroutine-%d", s.ID()),
		EpochWallNS: 10,
		Complete:    true,
		// Completion order: leaves first, root last.
		Frames: []Frame{
			{Index: 4, CallerIndex: 3, Name: "item", StartWallNS: 60, StopWallNS: 70, StartCPUNS: 5, StopCPUNS: 6},
			{Index: 3, CallerIndex: 2, LastChildIndex: 4, Name: "attempt", StartWallNS: 50, StopWallNS: 80, StartCPUNS: 4, StopCPUNS: 7},
			{Index: 6, CallerIndex: 5, Name: "item", StartWallNS: 100, StopWallNS: 110, StartCPUNS: 9, StopCPUNS: 10},
			{Index: 5, CallerIndex: 2, PrevIndex: 3, LastChildIndex: 6, Name: "attempt", StartWallNS: 90, StopWallNS: 120, StartCPUNS: 8, StopCPUNS: 11},
			{Index: 2, CallerIndex: 1, LastChildIndex: 5, Name: "query", StartWallNS: 40, StopWallNS: 130, StartCPUNS: 3, StopCPUNS: 12},
			{Index: 1, CallerIndex: 0, LastChildIndex: 2, Name: "handle", StartWallNS: 30, StopWallNS: 140, StartCPUNS: 2, StopCPUNS: 13},
			{Index: 0, CallerIndex: 0, LastChildIndex: 1, StartWallNS: 20, StopWallNS: 150, StartCPUNS: 1, StopCPUNS: 14},
		},
	}
	if diff := testutil.Diff(trace, want); diff != "" {
		t.Fatalf("Trace mismatch: got - want +\n%s", diff)
	}
}

func TestStackFlushNever(t *testing.T) {
	var batches int
	var stopped []Frame
	p := NewProcess(
		WithEnabled(true),
		WithClock(newTestClock(10, 1)),
		WithCallback(CallbackFuncs{
			Batch: func(*Stack, []Frame) { batches++ },
			Stop:  func(_ *Stack, batch []Frame) { stopped = batch },
		}),
	)

	s := p.Attach()
	for _, name := range []string{"a", "b", "c"} {
		s.EnterScope(name).Exit()
	}
	p.Detach()

	if batches != 0 {
		t.Fatalf("OnBatch ran %d times, want 0", batches)
	}
	// Everything arrives at detach, the root last.
	if len(stopped) != 4 {
		t.Fatalf("OnStop carried %d frames, want 4", len(stopped))
	}
	if last := stopped[len(stopped)-1]; !last.IsRoot() {
		t.Fatalf("last frame in OnStop has index %d, want the root", last.Index)
	}
}

func TestStackFlushEveryFrame(t *testing.T) {
	var batches [][]Frame
	var stopped []Frame
	p := NewProcess(
		WithEnabled(true),
		WithFlushPolicy(FlushEveryFrame()),
		WithClock(newTestClock(10, 1)),
		WithCallback(CallbackFuncs{
			Batch: func(_ *Stack, batch []Frame) { batches = append(batches, batch) },
			Stop:  func(_ *Stack, batch []Frame) { stopped = batch },
		}),
	)

	s := p.Attach()
	outer := s.EnterScope("outer")
	s.EnterScope("inner").Exit()
	outer.Exit()
	p.Detach()

	if len(batches) != 2 {
		t.Fatalf("OnBatch ran %d times, want 2", len(batches))
	}
	for i, batch := range batches {
		if len(batch) != 1 {
			t.Fatalf("batch %d has %d frames, want 1", i, len(batch))
		}
	}
	if batches[0][0].Name != "inner" || batches[1][0].Name != "outer" {
		t.Fatalf("batches carry %q and %q, want inner then outer", batches[0][0].Name, batches[1][0].Name)
	}
	if len(stopped) != 1 || !stopped[0].IsRoot() {
		t.Fatalf("OnStop carried %d frames, want just the root", len(stopped))
	}
}

// TestStackFlushPeriodic exercises the CPU-time threshold. Each scope costs
// 2 CPU ns on the stepping clock (one reading at enter, one at exit), so
// with a 3ns period the first exit is too early and the second flushes
// both buffered frames.
func TestStackFlushPeriodic(t *testing.T) {
	var batches [][]Frame
	var stopped []Frame
	p := NewProcess(
		WithEnabled(true),
		WithFlushPolicy(FlushPeriodic(3*time.Nanosecond)),
		WithClock(newTestClock(10, 1)),
		WithCallback(CallbackFuncs{
			Batch: func(_ *Stack, batch []Frame) { batches = append(batches, batch) },
			Stop:  func(_ *Stack, batch []Frame) { stopped = batch },
		}),
	)

	s := p.Attach()
	for _, name := range []string{"a", "b", "c"} {
		s.EnterScope(name).Exit()
	}
	p.Detach()

	if len(batches) != 1 {
		t.Fatalf("OnBatch ran %d times, want 1", len(batches))
	}
	gotNames := make([]string, 0, len(batches[0]))
	for _, f := range batches[0] {
		gotNames = append(gotNames, f.Name)
	}
	if diff := testutil.Diff(gotNames, []string{"a", "b"}); diff != "" {
		t.Fatalf("flushed frames mismatch: got - want +\n%s", diff)
	}
	if len(stopped) != 2 || stopped[0].Name != "c" || !stopped[1].IsRoot() {
		t.Fatalf("OnStop carried %d frames, want c and the root", len(stopped))
	}
}

// No frames are lost under any policy: whatever OnBatch does not deliver,
// OnStop does.
func TestStackDeliversEveryFrame(t *testing.T) {
	policies := []FlushPolicy{
		FlushNever(),
		FlushEveryFrame(),
		FlushPeriodic(5 * time.Nanosecond),
	}
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			rec := NewRecorder()
			p := NewProcess(
				WithEnabled(true),
				WithFlushPolicy(policy),
				WithCallback(rec),
				WithClock(newTestClock(10, 1)),
			)

			s := p.Attach()
			for i := 0; i < 4; i++ {
				outer := s.EnterScope("outer")
				s.EnterScope("inner").Exit()
				outer.Exit()
			}
			p.Detach()

			trace := rec.Traces()[0]
			if got := len(trace.Frames); got != 9 {
				t.Fatalf("trace has %d frames, want 9", got)
			}
			if err := trace.Validate(); err != nil {
				t.Fatalf("trace does not validate: %v", err)
			}

			// Index order is enter order, so start timestamps strictly
			// increase with the index; the trace keeps completion order,
			// so stop timestamps strictly increase along it.
			byIndex := trace.FramesByIndex()
			for i := 1; i < len(byIndex); i++ {
				prev, cur := byIndex[i-1], byIndex[i]
				if cur.StartWallNS <= prev.StartWallNS || cur.StartCPUNS <= prev.StartCPUNS {
					t.Fatalf("frame %d did not start after frame %d", cur.Index, prev.Index)
				}
			}
			for i := 1; i < len(trace.Frames); i++ {
				prev, cur := trace.Frames[i-1], trace.Frames[i]
				if cur.StopWallNS <= prev.StopWallNS || cur.StopCPUNS <= prev.StopCPUNS {
					t.Fatalf("frame %d did not stop after frame %d", cur.Index, prev.Index)
				}
			}
		})
	}
}

func TestStackDrain(t *testing.T) {
	p := NewProcess(WithEnabled(true), WithClock(newTestClock(10, 1)))
	s := p.Attach()
	defer p.Detach()

	s.EnterScope("a").Exit()
	s.EnterScope("b").Exit()

	batch := s.Drain()
	if len(batch) != 2 || batch[0].Name != "a" || batch[1].Name != "b" {
		t.Fatalf("Drain() = %v, want frames a and b in completion order", batch)
	}
	if again := s.Drain(); again != nil {
		t.Fatalf("second Drain() = %v, want nil", again)
	}
}

func TestStackTopAndDepth(t *testing.T) {
	p := NewProcess(WithEnabled(true), WithClock(newTestClock(10, 1)))
	s := p.Attach()
	defer p.Detach()

	if top := s.Top(); !top.IsRoot() || !top.Running() {
		t.Fatalf("Top() at rest = %+v, want the running root", top)
	}
	if d := s.Depth(); d != 0 {
		t.Fatalf("Depth() at rest = %d, want 0", d)
	}

	scope := s.EnterScope("work")
	if top := s.Top(); top.Name != "work" || top.Index != 1 {
		t.Fatalf("Top() = %+v, want the open work frame", top)
	}
	if d := s.Depth(); d != 1 {
		t.Fatalf("Depth() = %d, want 1", d)
	}
	scope.Exit()

	if d := s.Depth(); d != 0 {
		t.Fatalf("Depth() after exit = %d, want 0", d)
	}
}

func TestStackScopeOptions(t *testing.T) {
	p := NewProcess(WithEnabled(true), WithClock(newTestClock(10, 1)))
	s := p.Attach()
	defer p.Detach()

	payload := &strings.Builder{}
	loc := SourceLoc{Function: "demo.step", File: "demo/step.go", Line: 7}
	s.EnterScope("step", WithPayload(payload), WithSourceLoc(loc)).Exit()

	batch := s.Drain()
	if len(batch) != 1 {
		t.Fatalf("drained %d frames, want 1", len(batch))
	}
	f := batch[0]
	if f.Payload != payload {
		t.Fatalf("Payload = %v, want the exact value passed in", f.Payload)
	}
	if diff := testutil.Diff(f.Loc, loc); diff != "" {
		t.Fatalf("Loc mismatch: got - want +\n%s", diff)
	}
}

func TestStackEpoch(t *testing.T) {
	p := NewProcess(WithEnabled(true), WithClock(newTestClock(10, 1)))
	s := p.Attach()
	defer p.Detach()

	if s.Epoch() != p.StartWallNS() {
		t.Fatalf("Epoch() = %d, want the process start %d", s.Epoch(), p.StartWallNS())
	}
}

func TestStackSetName(t *testing.T) {
	rec := NewRecorder()
	p := NewProcess(WithEnabled(true), WithCallback(rec), WithClock(newTestClock(10, 1)))

	s := p.Attach()
	if !strings.HasPrefix(s.Name(), "goroutine-") {
		t.Fatalf("default name = %q, want a goroutine-<id> placeholder", s.Name())
	}
	s.SetName("worker")
	s.EnterScope("job").Exit()
	p.Detach()

	if got := rec.Traces()[0].StackName; got != "worker" {
		t.Fatalf("StackName = %q, want worker", got)
	}
}

func TestStackDisabled(t *testing.T) {
	called := false
	p := NewProcess(WithClock(newTestClock(10, 1)), WithCallback(CallbackFuncs{
		Start: func(*Stack) { called = true },
		Batch: func(*Stack, []Frame) { called = true },
		Stop:  func(*Stack, []Frame) { called = true },
	}))

	s := p.Attach()
	if s.Enabled() {
		t.Fatal("stack is enabled on a disabled process")
	}
	scope := s.EnterScope("work")
	scope.Exit()
	if top := s.Top(); top != (Frame{}) {
		t.Fatalf("Top() on a disabled stack = %+v, want the zero frame", top)
	}
	if d := s.Depth(); d != 0 {
		t.Fatalf("Depth() on a disabled stack = %d, want 0", d)
	}
	p.Detach()

	if called {
		t.Fatal("a disabled stack invoked its callback")
	}
}

func TestStackPanics(t *testing.T) {
	newStack := func() (*Process, *Stack) {
		p := NewProcess(WithEnabled(true), WithClock(newTestClock(10, 1)))
		return p, p.Attach()
	}

	t.Run("exit out of order", func(t *testing.T) {
		_, s := newStack()
		outer := s.EnterScope("outer")
		s.EnterScope("inner")
		mustPanic(t, "exited while scope", outer.Exit)
	})

	t.Run("exit twice", func(t *testing.T) {
		_, s := newStack()
		scope := s.EnterScope("once")
		scope.Exit()
		mustPanic(t, "exited twice", scope.Exit)
	})

	t.Run("detach with open scopes", func(t *testing.T) {
		p, s := newStack()
		s.EnterScope("open")
		mustPanic(t, "still open at detach", p.Detach)
	})

	t.Run("use after detach", func(t *testing.T) {
		p, s := newStack()
		p.Detach()
		mustPanic(t, "used after detach", func() { s.EnterScope("late") })
	})

	t.Run("detach without attach", func(t *testing.T) {
		p := NewProcess(WithEnabled(true), WithClock(newTestClock(10, 1)))
		mustPanic(t, "detached without attach", p.Detach)
	})
}

// Stacks are independent across goroutines: each records its own tree and
// receives its own lifecycle hooks.
func TestStackPerGoroutine(t *testing.T) {
	rec := NewRecorder()
	p := NewProcess(WithEnabled(true), WithCallback(rec), WithClock(newTestClock(10, 1)))

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := p.Attach()
			defer p.Detach()
			s.SetName(fmt.Sprintf("worker-%d", i))
			outer := s.EnterScope("outer")
			s.EnterScope("inner").Exit()
			outer.Exit()
		}(i)
	}
	wg.Wait()

	traces := rec.Traces()
	if len(traces) != workers {
		t.Fatalf("recorded %d traces, want %d", len(traces), workers)
	}
	seen := make(map[int64]bool, workers)
	for _, trace := range traces {
		if seen[trace.StackID] {
			t.Fatalf("stack %d recorded twice", trace.StackID)
		}
		seen[trace.StackID] = true
		if err := trace.Validate(); err != nil {
			t.Fatalf("trace of stack %d does not validate: %v", trace.StackID, err)
		}
		if got := len(trace.Frames); got != 3 {
			t.Fatalf("stack %d has %d frames, want 3", trace.StackID, got)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
}
