package scopetree

import (
	"fmt"
	"runtime"

	"github.com/scopetree/scopetree/internal/clockutil"
)

// RootIndex is the index of the synthetic root frame present on every
// stack for its whole active lifetime. The root is its own caller.
const RootIndex uint64 = 0

type (
	// SourceLoc locates the code a scope measures. The call site supplies
	// it, typically through Here; the engine never looks it up on its own.
	SourceLoc struct {
		Function string `json:"function,omitempty"`
		File     string `json:"file,omitempty"`
		Line     int    `json:"line,omitempty"`
	}

	// Frame is one timed scope activation.
	//
	// The frames of one stack form a call tree linked by indexes instead of
	// pointers, so links stay valid while the backing storage grows and
	// moves. Index is dense per stack in enter order, CallerIndex points at
	// the parent, PrevIndex at the previous sibling and LastChildIndex at
	// the most recently entered child. Zero means "none" for the two
	// sibling links; it cannot be confused with the root because the root
	// is never anyone's sibling. Walking LastChildIndex and then PrevIndex
	// visits a frame's children youngest first.
	//
	// Timestamps are nanoseconds; zero marks a capture that has not
	// happened yet. The start pair is captured as the last action of enter
	// and the stop pair as the first action of exit, keeping the engine's
	// own bookkeeping out of the measurement.
	Frame struct {
		Index          uint64 `json:"index"`
		CallerIndex    uint64 `json:"caller_index"`
		PrevIndex      uint64 `json:"prev_index,omitempty"`
		LastChildIndex uint64 `json:"last_child_index,omitempty"`

		Name string    `json:"name,omitempty"`
		Loc  SourceLoc `json:"loc"`

		StartWallNS uint64 `json:"start_wall_ns,omitempty"`
		StopWallNS  uint64 `json:"stop_wall_ns,omitempty"`
		StartCPUNS  uint64 `json:"start_cpu_ns,omitempty"`
		StopCPUNS   uint64 `json:"stop_cpu_ns,omitempty"`

		// Payload is carried untouched from WithPayload to the consumer.
		// It is never serialized and never inspected.
		Payload any `json:"-"`
	}
)

// Here captures the source location of its call site.
func Here() SourceLoc {
	pc, file, line, ok := runtime.Caller(1)
	if !ok {
		return SourceLoc{}
	}
	loc := SourceLoc{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Function = fn.Name()
	}
	return loc
}

func (l SourceLoc) String() string {
	switch {
	case l.Function == "" && l.File == "":
		return ""
	case l.File == "":
		return l.Function
	case l.Function == "":
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s (%s:%d)", l.Function, l.File, l.Line)
}

// IsRoot reports whether f is the synthetic root of its stack.
func (f Frame) IsRoot() bool {
	return f.Index == RootIndex
}

// IsLeaf reports whether no scope was entered inside f.
func (f Frame) IsLeaf() bool {
	return f.LastChildIndex == 0
}

// HasPrev reports whether an older sibling precedes f under its caller.
func (f Frame) HasPrev() bool {
	return f.PrevIndex != 0
}

// Running reports whether f has started but not yet stopped.
func (f Frame) Running() bool {
	return f.StartWallNS != 0 && f.StopWallNS == 0
}

// WallDuration returns the wall-clock nanoseconds between start and stop,
// or zero while f is still running.
func (f Frame) WallDuration() uint64 {
	if f.StopWallNS == 0 {
		return 0
	}
	return f.StopWallNS - f.StartWallNS
}

// CPUDuration returns the CPU nanoseconds between start and stop, or zero
// while f is still running.
func (f Frame) CPUDuration() uint64 {
	if f.StopCPUNS == 0 {
		return 0
	}
	return f.StopCPUNS - f.StartCPUNS
}

// start captures the start timestamps. It must be the last step of
// entering the frame.
func (f *Frame) start(c Clock) {
	if f.StartWallNS != 0 {
		panic(fmt.Sprintf("scopetree: frame %d started twice", f.Index))
	}
	clockutil.Fence()
	f.StartCPUNS = c.CPUNow()
	f.StartWallNS = c.WallNow()
	clockutil.Fence()
}

// stop captures the stop timestamps. It must be the first step of exiting
// the frame.
func (f *Frame) stop(c Clock) {
	if f.StartWallNS == 0 {
		panic(fmt.Sprintf("scopetree: frame %d stopped before it was started", f.Index))
	}
	if f.StopWallNS != 0 {
		panic(fmt.Sprintf("scopetree: frame %d stopped twice", f.Index))
	}
	clockutil.Fence()
	f.StopCPUNS = c.CPUNow()
	f.StopWallNS = c.WallNow()
	clockutil.Fence()
}
