package scopetree

import (
	"fmt"
	"time"
)

// FlushPolicy controls when a stack hands batches of finished frames to
// the callback between frame completions.
//
// The policy is judged each time a frame finishes, against that frame's
// stop-CPU timestamp, so evaluation adds no clock reads of its own:
// FlushNever buffers everything until detach, FlushEveryFrame delivers
// each finished frame immediately, FlushPeriodic delivers once the
// configured amount of CPU time has passed since the previous flush.
// Whatever the policy, detach drains the remainder through OnStop.
type FlushPolicy struct {
	// periodCPUNS encodes the policy: 0 never, 1 every frame, otherwise
	// the minimum CPU nanoseconds between flushes.
	periodCPUNS uint64
}

// FlushNever buffers finished frames until the stack detaches.
func FlushNever() FlushPolicy {
	return FlushPolicy{}
}

// FlushEveryFrame delivers every finished frame in its own batch.
func FlushEveryFrame() FlushPolicy {
	return FlushPolicy{periodCPUNS: 1}
}

// FlushPeriodic delivers at most once per d of accumulated CPU time.
// Periods below 2ns are raised to 2ns to keep them distinct from
// FlushEveryFrame.
func FlushPeriodic(d time.Duration) FlushPolicy {
	if d < 2 {
		d = 2
	}
	return FlushPolicy{periodCPUNS: uint64(d)}
}

// ParseFlushPolicy reads "never", "every", or a positive duration such as
// "250ms". The empty string parses as never.
func ParseFlushPolicy(s string) (FlushPolicy, error) {
	switch s {
	case "", "never":
		return FlushNever(), nil
	case "every":
		return FlushEveryFrame(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return FlushPolicy{}, fmt.Errorf("flush policy %q: %w", s, err)
	}
	if d <= 0 {
		return FlushPolicy{}, fmt.Errorf("flush policy %q: period must be positive", s)
	}
	return FlushPeriodic(d), nil
}

// Never reports whether the policy only delivers at detach.
func (p FlushPolicy) Never() bool {
	return p.periodCPUNS == 0
}

// EveryFrame reports whether the policy delivers after each completion.
func (p FlushPolicy) EveryFrame() bool {
	return p.periodCPUNS == 1
}

// Period returns the interval of a periodic policy and zero otherwise.
func (p FlushPolicy) Period() time.Duration {
	if p.periodCPUNS <= 1 {
		return 0
	}
	return time.Duration(p.periodCPUNS)
}

func (p FlushPolicy) String() string {
	switch p.periodCPUNS {
	case 0:
		return "never"
	case 1:
		return "every"
	}
	return time.Duration(p.periodCPUNS).String()
}

// due reports whether a flush is owed at CPU time nowCPU, given the CPU
// time of the previous flush.
func (p FlushPolicy) due(lastFlushCPU, nowCPU uint64) bool {
	switch p.periodCPUNS {
	case 0:
		return false
	case 1:
		return true
	}
	return nowCPU-lastFlushCPU >= p.periodCPUNS
}
