package scopetree

import "github.com/scopetree/scopetree/internal/clockutil"

// Clock supplies the two timestamp sources recorded on frames. Readings are
// nanoseconds from an arbitrary fixed origin; only differences carry
// meaning. Implementations must be monotonic and safe for concurrent use.
//
// The wall clock must never read zero: zero timestamps mark frames that
// have not reached that point of their lifecycle yet.
type Clock interface {
	// WallNow returns monotonic wall-clock nanoseconds.
	WallNow() uint64
	// CPUNow returns CPU-time nanoseconds consumed by the calling thread.
	CPUNow() uint64
}

// systemClock reads the host clocks through clockutil.
type systemClock struct{}

func (systemClock) WallNow() uint64 { return clockutil.WallNow() }
func (systemClock) CPUNow() uint64  { return clockutil.CPUNow() }
