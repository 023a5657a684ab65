package scopetree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Trace is the recording of one stack: identity plus the frames it
// delivered, in completion order. Complete marks traces whose stack has
// detached; only those hold the full dense frame set.
type Trace struct {
	ProcessID   uuid.UUID `json:"process_id"`
	StackID     int64     `json:"stack_id"`
	StackName   string    `json:"stack_name,omitempty"`
	EpochWallNS uint64    `json:"epoch_wall_ns,omitempty"`
	Frames      []Frame   `json:"frames"`
	Complete    bool      `json:"complete"`
}

// FramesByIndex returns the frames sorted by index. For a complete trace
// the result is dense: position i holds the frame with index i, root
// first.
func (t Trace) FramesByIndex() []Frame {
	out := append([]Frame(nil), t.Frames...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Validate checks the structural invariants of a complete trace: the
// indexes form a dense 0..n-1 permutation rooted at 0, every caller
// precedes its callees, and each frame's sibling chain (LastChildIndex
// followed through PrevIndex) lists exactly its children, youngest
// first.
func (t Trace) Validate() error {
	frames := t.FramesByIndex()
	n := uint64(len(frames))
	if n == 0 {
		return errors.New("trace has no frames")
	}
	for i, f := range frames {
		if f.Index != uint64(i) {
			return fmt.Errorf("indexes are not dense: position %d holds index %d", i, f.Index)
		}
	}
	if root := frames[0]; !root.IsRoot() || root.CallerIndex != RootIndex {
		return errors.New("frame 0 is not a root frame")
	}

	children := make(map[uint64][]uint64, n)
	for _, f := range frames[1:] {
		if f.CallerIndex >= f.Index {
			return fmt.Errorf("frame %d does not follow its caller %d", f.Index, f.CallerIndex)
		}
		children[f.CallerIndex] = append(children[f.CallerIndex], f.Index)
	}

	for _, f := range frames {
		want := children[f.Index]

		var chain []uint64
		for idx := f.LastChildIndex; idx != 0; idx = frames[idx].PrevIndex {
			if idx >= n {
				return fmt.Errorf("frame %d links to missing child %d", f.Index, idx)
			}
			if uint64(len(chain)) >= n {
				return fmt.Errorf("frame %d sibling chain does not terminate", f.Index)
			}
			chain = append(chain, idx)
		}

		if len(chain) != len(want) {
			return fmt.Errorf("frame %d links %d children, has %d", f.Index, len(chain), len(want))
		}
		// chain runs youngest to oldest, want oldest to youngest.
		for i, idx := range want {
			if linked := chain[len(chain)-1-i]; linked != idx {
				return fmt.Errorf("frame %d sibling chain lists %d where child %d belongs", f.Index, linked, idx)
			}
		}
	}
	return nil
}
