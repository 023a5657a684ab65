//go:build !linux

package clockutil

import "time"

// The epoch sits one nanosecond in the past so the very first reading is
// already non-zero; zero timestamps mean "not captured yet".
var epoch = time.Now().Add(-time.Nanosecond)

// WallNow returns the current value of the monotonic wall clock in
// nanoseconds.
func WallNow() uint64 {
	return uint64(time.Since(epoch))
}

// CPUNow degrades to the wall clock on platforms without a per-thread CPU
// clock. CPU durations then measure elapsed time instead of CPU time.
func CPUNow() uint64 {
	return WallNow()
}
