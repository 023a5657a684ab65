//go:build linux

package clockutil

import "golang.org/x/sys/unix"

// WallNow returns the current value of the monotonic wall clock in
// nanoseconds.
func WallNow() uint64 {
	return now(unix.CLOCK_MONOTONIC)
}

// CPUNow returns the CPU time consumed by the calling thread in nanoseconds.
//
// The clock belongs to the OS thread running the goroutine at the time of
// the call. Callers that must not be migrated between readings pin with
// runtime.LockOSThread.
func CPUNow() uint64 {
	return now(unix.CLOCK_THREAD_CPUTIME_ID)
}

func now(clockid int32) uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockid, &ts); err != nil {
		panic("clockutil: clock_gettime failed: " + err.Error())
	}
	return uint64(ts.Nano())
}
