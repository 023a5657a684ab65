// Package clockutil provides the monotonic wall clock, the per-thread CPU
// clock, and the memory fence used around timestamp capture.
//
// Both clocks return nanoseconds from an arbitrary fixed origin; only
// differences are meaningful. On platforms without a per-thread CPU clock,
// CPUNow degrades to the wall clock.
package clockutil

import "sync/atomic"

var fence atomic.Int64

// Fence establishes a full memory barrier.
//
// Timestamp capture is bracketed by fences so that the captured values are
// ordered with the writes that publish the enclosing frame.
func Fence() {
	fence.Add(1)
}
